package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewScheduleCmd создаёт группу команд для расписаний schedule-flows.
//
// Расписания создаются из trigger_config flow, CLI их только показывает.
func NewScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect schedule triggers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List schedule triggers with next due time",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			schedules, err := client.ListSchedules()
			if err != nil {
				return err
			}

			headers := []string{"FLOW_ID", "SCHEDULE", "TIMEZONE", "ENABLED", "NEXT_DUE", "LAST_FIRED", "LAST_COUNT"}
			rows := make([][]string, len(schedules))
			for i, s := range schedules {
				spec := s.CronExpr
				if spec == "" {
					spec = "every " + strconv.Itoa(s.IntervalSec) + "s"
				}
				rows[i] = []string{
					s.FlowID,
					spec,
					s.Timezone,
					strconv.FormatBool(s.Enabled),
					s.NextDueAt,
					s.LastFiredAt,
					strconv.Itoa(s.LastFiredCount),
				}
			}

			out.Print(headers, rows, schedules)
			return nil
		},
	})

	return cmd
}

// NewSessionCmd создаёт группу команд для сессий WhatsApp-коннектора.
func NewSessionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect WhatsApp connector sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List connector sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			sessions, err := client.ListSessions()
			if err != nil {
				return err
			}

			headers := []string{"INSTANCE", "STATUS", "RETRIES", "UPDATED", "ERROR"}
			rows := make([][]string, len(sessions))
			for i, s := range sessions {
				rows[i] = []string{
					s.InstanceName,
					s.Status,
					strconv.Itoa(s.RetryCount) + "/" + strconv.Itoa(s.MaxRetries),
					s.UpdatedAt,
					s.LastError,
				}
			}

			out.Print(headers, rows, sessions)
			return nil
		},
	})

	return cmd
}
