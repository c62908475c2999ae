package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and engine counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusRun() error {
	c := newAPIClient()

	st, err := c.Status()
	if err != nil {
		return fmt.Errorf("server not reachable at %s: %w", serverURL(), err)
	}

	uptime := (time.Duration(st.UptimeSeconds) * time.Second).String()
	ui.Info("Server %s on %s, up %s", st.Version, serverURL(), uptime)
	ui.Info("Live sessions: %d", st.Sessions)
	fmt.Fprintln(ui.Out)

	q := st.Queue
	queueTable := ui.Table([]string{"Pending", "Leased", "Completed", "Failed", "Expired", "Open Plans"})
	queueTable.Append([]string{
		strconv.Itoa(q.Pending),
		strconv.Itoa(q.Leased),
		strconv.Itoa(q.Completed),
		strconv.Itoa(q.Failed),
		strconv.Itoa(q.Expired),
		strconv.Itoa(q.OpenPlans),
	})
	queueTable.Render()
	fmt.Fprintln(ui.Out)

	cnt := st.Counters
	rows := []struct {
		name  string
		value int64
	}{
		{"prompts accepted", cnt.PromptsAccepted},
		{"prompts rejected busy", cnt.PromptsBusy},
		{"plans installed", cnt.PlansInstalled},
		{"message-only plans", cnt.MessagePlans},
		{"continuations", cnt.Continuations},
		{"round limit hits", cnt.RoundLimitHits},
		{"gateway calls", cnt.GatewayCalls},
		{"gateway rate limited", cnt.GatewayRateLimited},
		{"gateway unauthorized", cnt.GatewayUnauthorized},
		{"gateway transport errors", cnt.GatewayTransport},
		{"gateway malformed plans", cnt.GatewayMalformed},
		{"tasks granted", cnt.TasksGranted},
		{"lease renewals", cnt.LeaseRenewals},
		{"tasks completed", cnt.TasksCompleted},
		{"tasks failed", cnt.TasksFailed},
		{"tasks aborted", cnt.TasksAborted},
		{"tasks reclaimed", cnt.TasksReclaimed},
		{"reports rejected", cnt.ReportsRejected},
		{"sessions closed", cnt.SessionsClosed},
		{"sessions evicted", cnt.SessionsEvicted},
	}

	counterTable := ui.Table([]string{"Counter", "Total"})
	for _, r := range rows {
		counterTable.Append([]string{r.name, strconv.FormatInt(r.value, 10)})
	}
	counterTable.Render()
	return nil
}
