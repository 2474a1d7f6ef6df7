package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vireo/runnerd/daemon"
	"github.com/vireo/runnerd/store"
)

// RunOnceCmd triggers one immediate run outside the schedule
var RunOnceCmd = &cobra.Command{
	Use:   "run-once <name>",
	Short: "Run a job immediately, outside its schedule",
	Long: `Run a job immediately, outside its schedule.

The job must be ACTIVE and not already running, and a worker slot must be
free. The regular schedule is unaffected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}

		var result struct {
			RunID int64 `json:"run_id"`
		}
		if err := client.CallInto("run_once", map[string]interface{}{"name": args[0]}, &result); err != nil {
			return err
		}
		fmt.Printf("Started run #%d for job %q\n", result.RunID, args[0])
		fmt.Printf("  runnerd report %d   # inspect it\n", result.RunID)
		return nil
	},
}

// RunsCmd lists a job's run history
var RunsCmd = &cobra.Command{
	Use:   "runs <name>",
	Short: "Show a job's run history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := daemonClient()
		if err != nil {
			return err
		}

		var result struct {
			Job  store.JobWithState `json:"job"`
			Runs []store.Run        `json:"runs"`
		}
		if err := client.CallInto("job_runs", map[string]interface{}{
			"name":  args[0],
			"limit": limit,
		}, &result); err != nil {
			return err
		}

		jw := result.Job
		fmt.Printf("Job %q (%s, %s, every %ds)\n", jw.Job.Name, jw.Job.Type, jw.State.Status, jw.Job.IntervalSeconds)
		fmt.Printf("  Next run: %s   Last OK: %s   Failures: %d\n",
			fmtEpoch(jw.State.NextRunAt), fmtEpochPtr(jw.State.LastOkAt), jw.State.ConsecutiveFailures)
		if jw.State.LastError != nil {
			fmt.Printf("  Last error: %s\n", *jw.State.LastError)
		}

		if len(result.Runs) == 0 {
			fmt.Println("\nNo runs yet")
			return nil
		}
		fmt.Printf("\n%-7s %-8s %-20s %-20s %s\n", "RUN", "STATUS", "STARTED", "FINISHED", "EXIT")
		for _, r := range result.Runs {
			exit := "-"
			if r.ExitCode != nil {
				exit = strconv.Itoa(*r.ExitCode)
			}
			fmt.Printf("#%-6d %-8s %-20s %-20s %s\n",
				r.RunID, r.Status, fmtEpoch(r.StartedAt), fmtEpochPtr(r.FinishedAt), exit)
		}
		return nil
	},
}

// ReportCmd shows one run in detail, including a log tail
var ReportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Show one run with a tail of its log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("run id must be a number, got %q", args[0])
		}

		client, err := daemonClient()
		if err != nil {
			return err
		}

		var report daemon.RunReport
		if err := client.CallInto("run_report", map[string]interface{}{"run_id": runID}, &report); err != nil {
			return err
		}

		r := report.Run
		fmt.Printf("Run #%d (job id %d)\n", r.RunID, r.JobID)
		fmt.Printf("  Status:   %s\n", r.Status)
		fmt.Printf("  Started:  %s\n", fmtEpoch(r.StartedAt))
		fmt.Printf("  Finished: %s\n", fmtEpochPtr(r.FinishedAt))
		if r.ExitCode != nil {
			fmt.Printf("  Exit:     %d\n", *r.ExitCode)
		}
		if r.PID != nil {
			fmt.Printf("  PID:      %d\n", *r.PID)
		}
		if r.LogPath != "" {
			fmt.Printf("  Log:      %s\n", r.LogPath)
		}
		if r.Summary != nil {
			fmt.Printf("  Summary:  %s\n", *r.Summary)
		}
		if report.LogTail != "" {
			fmt.Printf("\n--- log tail ---\n%s", report.LogTail)
		}
		return nil
	},
}

// KvCmd reads and writes the daemon's namespaced scratch store
var KvCmd = &cobra.Command{
	Use:   "kv",
	Short: "Read and write worker scratch state",
	Long: `Read and write the daemon's namespaced key/value scratch store.

Jobs use it to carry small state between runs (cursors, positions,
high-water marks). Values are opaque strings; last write wins.

Examples:
  runnerd kv set grid position '{"side": "long"}'
  runnerd kv get grid position`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var kvGetCmd = &cobra.Command{
	Use:   "get <namespace> <key>",
	Short: "Read one scratch entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}

		result, err := client.Call("kv_get", map[string]interface{}{
			"namespace": args[0],
			"key":       args[1],
		})
		if err != nil {
			return err
		}
		var entry store.KVEntry
		if err := json.Unmarshal(result, &entry); err != nil {
			return fmt.Errorf("failed to decode kv entry: %w", err)
		}
		fmt.Println(entry.Value)
		return nil
	},
}

var kvSetCmd = &cobra.Command{
	Use:   "set <namespace> <key> <value>",
	Short: "Write one scratch entry",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		if _, err := client.Call("kv_set", map[string]interface{}{
			"namespace": args[0],
			"key":       args[1],
			"value":     args[2],
		}); err != nil {
			return err
		}
		fmt.Printf("Set %s/%s\n", args[0], args[1])
		return nil
	},
}

func init() {
	RunsCmd.Flags().Int("limit", 20, "Maximum number of runs to show")
	KvCmd.AddCommand(kvGetCmd)
	KvCmd.AddCommand(kvSetCmd)
}
