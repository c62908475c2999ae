package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Skithrills/gemini-mcp-server/internal/client"
	"github.com/Skithrills/gemini-mcp-server/internal/models"
	"github.com/Skithrills/gemini-mcp-server/internal/output"
)

var (
	promptSession string
	promptWait    bool
	promptTimeout time.Duration
)

var promptCmd = &cobra.Command{
	Use:   "prompt <text>",
	Short: "Submit a prompt to the planner",
	Long: `Submit a prompt and print the session ID.

With --wait, polls the session until it returns to idle and prints
transcript turns as they arrive. Plans that contain tasks only finish
when an executor is polling (the Studio plugin, or 'exec' for local
development).`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return promptRun(strings.Join(args, " "))
	},
}

func init() {
	promptCmd.Flags().StringVarP(&promptSession, "session", "s", "", "Session ID to continue (default: new session)")
	promptCmd.Flags().BoolVarP(&promptWait, "wait", "w", false, "Wait for the plan to finish and print the transcript")
	promptCmd.Flags().DurationVar(&promptTimeout, "timeout", 5*time.Minute, "Give up waiting after this long")
	rootCmd.AddCommand(promptCmd)
}

func promptRun(text string) error {
	c := newAPIClient()

	resp, err := c.SubmitPrompt(promptSession, text)
	if err != nil {
		return err
	}

	if !promptWait {
		ui.Success("Prompt accepted: session %s", output.Cyan(resp.SessionID))
		ui.Info("Follow along with: gemini-mcp-server sessions show %s", resp.SessionID)
		return nil
	}

	return waitForIdle(c, resp.SessionID)
}

// waitForIdle polls the session, printing new transcript turns until the
// session goes idle or the timeout elapses.
func waitForIdle(c *client.Client, sessionID string) error {
	deadline := time.Now().Add(promptTimeout)
	printed := 0

	for {
		detail, err := c.GetSession(sessionID)
		if err != nil {
			return err
		}

		for _, turn := range detail.Transcript[printed:] {
			failed := turn.OK != nil && !*turn.OK
			printTurn(turn.Kind, turn.Text, failed, turn.AbortedTaskIDs)
		}
		printed = len(detail.Transcript)

		if detail.Status == string(models.SessionStatusIdle) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("session %s still %s after %s", sessionID, detail.Status, promptTimeout)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// printTurn renders one transcript entry for CLI display.
func printTurn(kind, text string, failed bool, aborted []string) {
	label := output.KindColor(kind)
	if failed {
		fmt.Fprintf(ui.Out, "[%s] %s %s\n", label, output.Red("failed:"), text)
	} else {
		fmt.Fprintf(ui.Out, "[%s] %s\n", label, text)
	}
	if len(aborted) > 0 {
		fmt.Fprintf(ui.Out, "        aborted: %s\n", strings.Join(aborted, ", "))
	}
}
