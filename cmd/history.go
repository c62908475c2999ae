package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Skithrills/gemini-mcp-server/internal/archive"
	"github.com/Skithrills/gemini-mcp-server/internal/models"
	"github.com/Skithrills/gemini-mcp-server/internal/output"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived sessions",
	Long: `List closed and evicted sessions from the local archive.

Reads the SQLite archive directly; the server does not need to be
running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyListRun()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show an archived session's transcript and tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyShowRun(args[0])
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Max sessions to show")
	historyCmd.AddCommand(historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}

func openArchive() (*archive.Store, error) {
	if !viper.GetBool("archive.enabled") {
		return nil, fmt.Errorf("archive is disabled (archive.enabled=false)")
	}
	store, err := archive.NewStore(viper.GetString("archive.db_path"))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return store, nil
}

func historyListRun() error {
	store, err := openArchive()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListSessions(context.Background(), historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("No archived sessions.")
		return nil
	}

	table := ui.Table([]string{"Session", "Status", "Plans", "Rounds", "Tasks", "Archived"})
	for _, e := range entries {
		table.Append([]string{
			output.Cyan(e.SessionID),
			output.StatusColor(e.Status),
			strconv.Itoa(e.Plans),
			strconv.Itoa(e.Rounds),
			strconv.Itoa(e.Tasks),
			timeAgo(e.ArchivedAt),
		})
	}
	table.Render()
	return nil
}

func historyShowRun(sessionID string) error {
	store, err := openArchive()
	if err != nil {
		return err
	}
	defer store.Close()

	entry, tasks, err := store.GetSession(context.Background(), sessionID)
	if err != nil {
		return err
	}

	ui.Info("Session %s  %s", output.Cyan(entry.SessionID), output.StatusColor(entry.Status))
	ui.Info("Plans: %d, rounds: %d, archived %s", entry.Plans, entry.Rounds, timeAgo(entry.ArchivedAt))
	fmt.Fprintln(ui.Out)

	for _, turn := range entry.Turns {
		failed := turn.Kind == models.TurnExecutionResult && !turn.OK
		printTurn(string(turn.Kind), turn.Text, failed, turn.AbortedTaskIDs)
	}

	if len(tasks) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Task", "Seq", "Kind", "Status", "Attempts", "Result"})
		for _, task := range tasks {
			result := "-"
			if task.Result != nil {
				if task.Result.OK {
					result = output.Green("ok")
				} else {
					result = output.Red(task.Result.Reason)
				}
			}
			table.Append([]string{
				task.ID,
				strconv.Itoa(task.Seq),
				string(task.Kind),
				output.StatusColor(string(task.Status)),
				strconv.Itoa(task.Attempts),
				result,
			})
		}
		table.Render()
	}
	return nil
}
