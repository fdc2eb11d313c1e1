package cli

import (
	"encoding/json"
	"strconv"

	"github.com/spf13/cobra"
)

// NewExecutionCmd создаёт группу команд для просмотра executions.
func NewExecutionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Inspect flow executions",
	}

	cmd.AddCommand(
		newExecutionListCmd(clientFn, outputFn),
		newExecutionShowCmd(clientFn, outputFn),
	)

	return cmd
}

var executionHeaders = []string{"ID", "FLOW_ID", "CONTACT_ID", "STATUS", "NODE", "STEPS", "STARTED"}

func executionRow(e ExecutionResponse) []string {
	status := e.Status
	if e.AwaitingReply {
		status += " (reply)"
	}
	return []string{e.ID, e.FlowID, e.ContactID, status, e.CurrentNodeID, strconv.Itoa(e.Steps), e.StartedAt}
}

func newExecutionListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListExecutionsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			execs, err := client.ListExecutions(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(execs))
			for i, e := range execs {
				rows[i] = executionRow(e)
			}

			out.Print(executionHeaders, rows, execs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.FlowID, "flow-id", "", "Filter by flow ID")
	cmd.Flags().StringVar(&opts.ContactID, "contact-id", "", "Filter by contact ID")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (running, waiting, completed, failed)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Skip the first N results")

	return cmd
}

func newExecutionShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show execution details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			exec, err := client.GetExecution(args[0])
			if err != nil {
				return err
			}

			var vars string
			if len(exec.Context) > 0 {
				raw, _ := json.Marshal(exec.Context)
				vars = string(raw)
			}

			out.Detail([]Field{
				{"ID", exec.ID},
				{"FLOW", exec.FlowID},
				{"CONTACT", exec.ContactID},
				{"STATUS", executionRow(*exec)[3]},
				{"NODE", exec.CurrentNodeID},
				{"NEXT_ACTION", exec.NextActionAt},
				{"STEPS", strconv.Itoa(exec.Steps)},
				{"ATTEMPTS", strconv.Itoa(exec.Attempts)},
				{"STARTED", exec.StartedAt},
				{"FINISHED", exec.FinishedAt},
				{"ERROR", exec.LastError},
				{"CONTEXT", vars},
			}, exec)
			return nil
		},
	}
}
