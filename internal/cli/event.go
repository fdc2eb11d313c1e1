package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewEventCmd создаёт группу команд для inbound-событий.
func NewEventCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Send and inspect inbound events",
	}

	cmd.AddCommand(
		newEventSendCmd(clientFn, outputFn),
		newEventShowCmd(clientFn, outputFn),
	)

	return cmd
}

var eventHeaders = []string{"ID", "TYPE", "STATUS", "ATTEMPTS", "RECEIVED", "ERROR"}

func eventRow(e EventResponse) []string {
	return []string{e.ID, e.Type, e.Status, strconv.Itoa(e.Attempts), e.ReceivedAt, e.Error}
}

func newEventSendCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var data string
	var file string
	var key string

	cmd := &cobra.Command{
		Use:   "send TYPE",
		Short: "Send a webhook event (new_lead, keyword, stage_change, continue_execution)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			payload := []byte(data)
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read payload file: %w", err)
				}
				payload = raw
			}
			if len(payload) == 0 {
				payload = []byte("{}")
			}
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			ev, err := client.SendEvent(args[0], json.RawMessage(payload), key)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Event recorded: %s", ev.ID))
			out.Print(eventHeaders, [][]string{eventRow(*ev)}, ev)
			return nil
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "Event payload as inline JSON")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to event payload JSON file")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Idempotency key for deduplication")
	cmd.MarkFlagsMutuallyExclusive("data", "file")

	return cmd
}

func newEventShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show event status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			ev, err := client.GetEvent(args[0])
			if err != nil {
				return err
			}

			out.Print(eventHeaders, [][]string{eventRow(*ev)}, ev)
			return nil
		},
	}
}
