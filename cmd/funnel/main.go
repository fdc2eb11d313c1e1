// Funnel CLI — управление automation flows через HTTP API.
//
// Использование:
//
//	funnel [--api-url URL] [--company ID] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	flow       Импорт, включение и статистика flows
//	execution  Просмотр executions
//	event      Отправка и просмотр inbound-событий
//	schedule   Расписания schedule-flows
//	session    Сессии WhatsApp-коннектора
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Funnel/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var companyID string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "funnel",
		Short:         "Funnel CLI: automation flows for CRM and WhatsApp",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("FUNNEL_API_URL", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().StringVar(&companyID, "company", os.Getenv("FUNNEL_COMPANY_ID"), "Company ID (X-Company-ID)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL, companyID) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewFlowCmd(clientFn, outputFn),
		cli.NewExecutionCmd(clientFn, outputFn),
		cli.NewEventCmd(clientFn, outputFn),
		cli.NewScheduleCmd(clientFn, outputFn),
		cli.NewSessionCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
