package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
	"github.com/Skithrills/gemini-mcp-server/internal/output"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Inspect live sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List live sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session's transcript and tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsShowRun(args[0])
	},
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close a session and archive it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsCloseRun(args[0])
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsCloseCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionsListRun() error {
	c := newAPIClient()

	sessions, err := c.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No live sessions.")
		return nil
	}

	table := ui.Table([]string{"ID", "Status", "Turns", "Plans", "Last Activity"})
	for _, s := range sessions {
		table.Append([]string{
			output.Cyan(s.ID),
			output.StatusColor(s.Status),
			strconv.Itoa(s.Turns),
			strconv.Itoa(s.Plans),
			timeAgo(s.LastActivityAt),
		})
	}
	table.Render()
	return nil
}

func sessionsShowRun(id string) error {
	c := newAPIClient()

	detail, err := c.GetSession(id)
	if err != nil {
		return err
	}

	ui.Info("Session %s  %s", output.Cyan(detail.ID), output.StatusColor(detail.Status))
	ui.Info("Created %s, last activity %s", timeAgo(detail.CreatedAt), timeAgo(detail.LastActivityAt))
	if detail.ActivePlanID != "" {
		ui.Info("Active plan: %s", detail.ActivePlanID)
	}
	fmt.Fprintln(ui.Out)

	for _, turn := range detail.Transcript {
		failed := turn.OK != nil && !*turn.OK
		printTurn(turn.Kind, turn.Text, failed, turn.AbortedTaskIDs)
	}

	if len(detail.Tasks) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Task", "Seq", "Kind", "Status", "Attempts"})
		for _, task := range detail.Tasks {
			table.Append([]string{
				task.ID,
				strconv.Itoa(task.Seq),
				task.Kind,
				output.StatusColor(task.Status),
				strconv.Itoa(task.Attempts),
			})
		}
		table.Render()
	}
	return nil
}

func sessionsCloseRun(id string) error {
	c := newAPIClient()

	detail, err := c.GetSession(id)
	if err != nil {
		return err
	}
	if detail.Status == string(models.SessionStatusExecutingPlan) {
		ui.Warning("Session is executing a plan; unfinished tasks will be cancelled")
	}

	if err := c.CloseSession(id); err != nil {
		return err
	}
	ui.Success("Session %s closed", output.Cyan(id))
	return nil
}
