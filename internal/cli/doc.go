// Package cli реализует инструмент командной строки Funnel.
//
// CLI работает через HTTP API и не импортирует внутренние пакеты.
// Все запросы выполняются от имени одной компании (--company, заголовок
// X-Company-ID).
//
// Client инкапсулирует HTTP-запросы и разбор ответов
// ({data}, {data,total}, {error:{code,message}}). Ошибка API возвращается
// как *APIError.
//
//	client := cli.NewClient("http://localhost:8080", companyID)
//	flows, err := client.ListFlows()
//
// Output печатает таблицы (text/tabwriter) или JSON (--json). Данные идут
// в stdout, сообщения в stderr: funnel flow list --json | jq .
//
// Группы команд:
//   - flow: list, show, import, replace, activate, deactivate, delete
//   - execution: list, show
//   - event: send, show
//   - schedule: list
//   - session: list
//
// Каждая группа создаётся фабрикой (NewFlowCmd и т.д.), принимающей clientFn
// и outputFn: Client и Output создаются после разбора PersistentFlags.
package cli
