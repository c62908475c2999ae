package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Skithrills/gemini-mcp-server/internal/api"
	"github.com/Skithrills/gemini-mcp-server/internal/client"
	"github.com/Skithrills/gemini-mcp-server/internal/output"
)

var (
	execHolder   string
	execInterval time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run a loopback executor against the server",
	Long: `Poll the server for tasks and report synthetic results.

This is a development stand-in for the Studio plugin: payloads are echoed
back as output instead of executed. Useful for exercising the full
prompt -> plan -> execute loop without Roblox Studio.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return execRun()
	},
}

func init() {
	execCmd.Flags().StringVar(&execHolder, "holder", "", "Holder ID (default: random UUID)")
	execCmd.Flags().DurationVar(&execInterval, "interval", 500*time.Millisecond, "Poll interval while the queue is empty")
	rootCmd.AddCommand(execCmd)
}

func execRun() error {
	holder := execHolder
	if holder == "" {
		holder = uuid.NewString()
	}

	c := newAPIClient()
	if _, err := c.Health(); err != nil {
		return fmt.Errorf("server not reachable at %s: %w", serverURL(), err)
	}

	ui.Info("Executor %s polling %s (Ctrl-C to stop)", output.Cyan(holder), serverURL())

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	for {
		delivered, err := execOnce(c, holder)
		if err != nil {
			ui.Error("%v", err)
		}

		if !delivered {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(execInterval):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// execOnce polls for one task and reports an echoed result. Returns
// whether a task was delivered.
func execOnce(c *client.Client, holder string) (bool, error) {
	grant, err := c.Poll(holder)
	if err != nil {
		return false, err
	}
	if grant == nil {
		return false, nil
	}

	ui.Info("task %s (%s seq %d, attempt %d)", output.Cyan(grant.TaskID), grant.Kind, grant.Seq, grant.Attempts)
	ui.VerboseLog("payload: %s", grant.Payload)

	accepted, err := c.Report(api.ReportRequest{
		HolderID: holder,
		TaskID:   grant.TaskID,
		OK:       true,
		Output:   grant.Payload,
	})
	if err != nil {
		return true, err
	}
	if !accepted {
		ui.Warning("result for %s rejected (lease lost)", grant.TaskID)
		return true, nil
	}

	ui.Success("task %s reported", grant.TaskID)
	return true, nil
}
