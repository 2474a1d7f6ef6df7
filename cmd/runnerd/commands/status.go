package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vireo/runnerd/daemon"
)

// StatusCmd shows the daemon, its jobs and recent runs
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status, jobs and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}

		var snap daemon.StatusSnapshot
		if err := client.CallInto("status", nil, &snap); err != nil {
			return err
		}

		fmt.Printf("Daemon %s (pid %d)\n", snap.Instance, snap.PID)
		fmt.Printf("  Uptime:    %s\n", (time.Duration(snap.UptimeS) * time.Second).String())
		fmt.Printf("  Tick:      %s\n", snap.TickInterval)
		fmt.Printf("  Workers:   %d/%d busy\n", len(snap.Running), snap.MaxWorkers)
		fmt.Printf("  Memory:    %.1f MB rss, host %.1f%% used\n",
			float64(snap.System.RSSBytes)/(1024*1024), snap.System.MemUsedPercent)

		if len(snap.Running) > 0 {
			fmt.Printf("\nRunning:\n")
			for _, r := range snap.Running {
				fmt.Printf("  #%d %-20s pid %-8d %ds elapsed\n", r.RunID, r.JobName, r.PID, r.ElapsedS)
			}
		}

		fmt.Printf("\nJobs (%d):\n", len(snap.Jobs))
		if len(snap.Jobs) == 0 {
			fmt.Println("  (none)")
		}
		for _, jw := range snap.Jobs {
			fmt.Printf("  %-20s %-8s %-7s every %-6ds next %s",
				jw.Job.Name, jw.Job.Type, jw.State.Status, jw.Job.IntervalSeconds,
				fmtEpoch(jw.State.NextRunAt))
			if jw.State.ConsecutiveFailures > 0 {
				fmt.Printf("  failures=%d", jw.State.ConsecutiveFailures)
			}
			fmt.Println()
		}

		if len(snap.RecentRuns) > 0 {
			fmt.Printf("\nRecent runs:\n")
			for _, r := range snap.RecentRuns {
				fmt.Printf("  #%-5d %-20s %-8s started %s\n",
					r.RunID, r.JobName, r.Status, fmtEpoch(r.StartedAt))
			}
		}
		return nil
	},
}
