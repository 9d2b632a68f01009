package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/config"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/queue"
	"github.com/kilnworks/kiln/store"
	"github.com/kilnworks/kiln/version"
	"github.com/kilnworks/kiln/worker"
)

// StatusCmd reports the state of a running kiln server.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths, job counts, and worker presence",
	Long: `Query a running kiln server's /status endpoint and render the result.

Examples:
  kiln status                              # Server from config (default port)
  kiln status --server http://kiln:8080    # Explicit server address
  kiln status --json                       # Raw JSON for scripts`,
	RunE: runStatus,
}

func init() {
	StatusCmd.Flags().String("server", "", "Server base URL (default from config)")
}

// statusReport mirrors the /status response body.
type statusReport struct {
	Success       bool                    `json:"success"`
	Version       version.Info            `json:"version"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Queues        map[string]*queue.Stats `json:"queues"`
	Jobs          map[store.JobStatus]int `json:"jobs"`
	Workers       []worker.Presence       `json:"workers"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("server")
	if base == "" {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		base = fmt.Sprintf("http://localhost:%d", cfg.Server.ListenPort())
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(base + "/status")
	if err != nil {
		return errors.Wrapf(err, "failed to reach server at %s", base)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("status endpoint returned %s", resp.Status)
	}

	var report statusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return errors.Wrap(err, "failed to decode status response")
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal status")
		}
		fmt.Println(string(out))
		return nil
	}

	renderStatus(&report)
	return nil
}

func renderStatus(report *statusReport) {
	pterm.Info.Printf("%s, up %s\n", report.Version.String(), formatUptime(report.UptimeSeconds))
	fmt.Println()

	fmt.Printf("%-10s %-9s %-8s %-9s %-11s %-8s\n",
		"QUEUE", "WAITING", "ACTIVE", "DELAYED", "COMPLETED", "FAILED")
	for _, name := range sortedQueueNames(report.Queues) {
		s := report.Queues[name]
		fmt.Printf("%-10s %-9d %-8d %-9d %-11d %-8d\n",
			name, s.Waiting, s.Active, s.Delayed, s.Completed, s.Failed)
	}
	fmt.Println()

	fmt.Printf("%-12s %-8s\n", "JOB STATUS", "COUNT")
	for _, status := range []store.JobStatus{
		store.JobStatusQueued,
		store.JobStatusActive,
		store.JobStatusCompleted,
		store.JobStatusFailed,
	} {
		if n, ok := report.Jobs[status]; ok {
			fmt.Printf("%-12s %-8d\n", status, n)
		}
	}
	fmt.Println()

	if len(report.Workers) == 0 {
		pterm.Warning.Println("No workers reporting")
		return
	}
	fmt.Printf("%-24s %-10s %-8s %-14s %-20s\n",
		"WORKER", "QUEUE", "ACTIVE", "MEMORY", "STARTED")
	for _, w := range report.Workers {
		fmt.Printf("%-24s %-10s %d/%-6d %-14s %-20s\n",
			w.WorkerID, w.Queue, w.Active, w.Concurrency,
			fmt.Sprintf("%d/%dMB", w.MemoryUsedMB, w.MemoryTotalMB),
			w.StartedAt.Format("2006-01-02 15:04:05"))
	}
}

func sortedQueueNames(queues map[string]*queue.Stats) []string {
	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}
