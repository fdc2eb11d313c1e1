package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewFlowCmd создаёт группу команд для управления flows.
func NewFlowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Manage automation flows",
	}

	cmd.AddCommand(
		newFlowListCmd(clientFn, outputFn),
		newFlowShowCmd(clientFn, outputFn),
		newFlowImportCmd(clientFn, outputFn),
		newFlowReplaceCmd(clientFn, outputFn),
		newFlowActivateCmd(clientFn, outputFn, true),
		newFlowActivateCmd(clientFn, outputFn, false),
		newFlowDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

var flowHeaders = []string{"ID", "NAME", "TRIGGER", "ACTIVE", "RUNNING", "WAITING", "COMPLETED", "FAILED", "STATE"}

func flowRow(f FlowResponse) []string {
	state := "ok"
	if f.Stopped {
		state = "stopped"
	}
	return []string{
		f.ID,
		f.Name,
		f.TriggerType,
		strconv.FormatBool(f.IsActive),
		strconv.Itoa(f.Executions.Running),
		strconv.Itoa(f.Executions.Waiting),
		strconv.Itoa(f.Executions.Completed),
		strconv.Itoa(f.Executions.Failed),
		state,
	}
}

func newFlowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List flows with execution counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			flows, err := client.ListFlows()
			if err != nil {
				return err
			}

			rows := make([][]string, len(flows))
			for i, f := range flows {
				rows[i] = flowRow(f)
			}

			out.Print(flowHeaders, rows, flows)
			return nil
		},
	}
}

func newFlowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show flow details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			flow, err := client.GetFlow(args[0])
			if err != nil {
				return err
			}

			out.Print(flowHeaders, [][]string{flowRow(flow.FlowResponse)}, flow)
			if !out.jsonMode {
				out.Success(fmt.Sprintf("%d nodes, %d edges", len(flow.Nodes), len(flow.Edges)))
				if flow.Executions.LastError != "" {
					out.Error("last execution failed: " + flow.Executions.LastError)
				}
			}
			return nil
		},
	}
}

// readFlowFile читает JSON-документ flow с графом.
func readFlowFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("flow file is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newFlowImportCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a flow with its graph from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			doc, err := readFlowFile(file)
			if err != nil {
				return err
			}

			flow, err := client.ImportFlow(doc)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow imported: %s", flow.ID))
			out.Print(flowHeaders, [][]string{flowRow(flow.FlowResponse)}, flow)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to flow JSON file (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newFlowReplaceCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "replace ID",
		Short: "Replace flow definition and graph from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			doc, err := readFlowFile(file)
			if err != nil {
				return err
			}

			flow, err := client.ReplaceFlow(args[0], doc)
			if err != nil {
				return err
			}

			out.Success("Flow replaced")
			out.Print(flowHeaders, [][]string{flowRow(flow.FlowResponse)}, flow)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to flow JSON file (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// newFlowActivateCmd создаёт activate или deactivate.
func newFlowActivateCmd(clientFn func() *Client, outputFn func() *Output, active bool) *cobra.Command {
	use, short, done := "activate ID", "Activate a flow", "Flow activated"
	if !active {
		use, short, done = "deactivate ID", "Deactivate a flow (running executions finish)", "Flow deactivated"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			flow, err := client.SetFlowActive(args[0], active)
			if err != nil {
				return err
			}

			out.Success(done)
			out.Print(flowHeaders, [][]string{flowRow(*flow)}, flow)
			return nil
		},
	}
}

func newFlowDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteFlow(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow deleted: %s", args[0]))
			return nil
		},
	}
}
