// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go           — Handler с DI (хранилища, publisher, logger)
//   - routes.go            — регистрация маршрутов
//   - middleware.go        — middleware (logging, recovery, company scope)
//   - response.go          — унифицированные JSON-ответы и обработка ошибок
//   - dto.go               — Data Transfer Objects (request/response)
//   - webhook_handler.go   — приём входящих событий
//   - flow_handler.go      — /flows: список со счётчиками, импорт, активация
//   - execution_handler.go — /executions и /events
//   - schedule_handler.go  — /schedules (состояние schedule-триггеров)
//   - session_handler.go   — /sessions (статус WhatsApp-коннектора)
//
// Все маршруты /api/v1 требуют заголовок X-Company-ID: данные других
// компаний неотличимы от отсутствующих.
package api
