package commands

import (
	"fmt"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
)

// AddCmd registers a new job with the daemon
var AddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a recurring job",
	Long: `Add a recurring job.

A strategy job invokes the configured strategy runner:
  runnerd add rebalance --type strategy --strategy grid --action rebalance --interval 300

A script job runs a .py or .sh script from the runs directory inside the
state dir; the path may not escape it:
  runnerd add backup --type script --script backup.sh --args "--full --quiet" --interval 3600

New jobs are ACTIVE and due immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		jobType, _ := cmd.Flags().GetString("type")
		interval, _ := cmd.Flags().GetInt("interval")

		payload, err := payloadFromFlags(cmd, jobType)
		if err != nil {
			return err
		}

		client, err := daemonClient()
		if err != nil {
			return err
		}
		if _, err := client.Call("add_job", map[string]interface{}{
			"name":             name,
			"type":             jobType,
			"interval_seconds": interval,
			"payload":          payload,
		}); err != nil {
			return err
		}
		fmt.Printf("Added job %q (%s, every %ds)\n", name, jobType, interval)
		return nil
	},
}

// payloadFromFlags builds the job payload for the given type from CLI flags
func payloadFromFlags(cmd *cobra.Command, jobType string) (map[string]interface{}, error) {
	payload := map[string]interface{}{}

	if timeout, _ := cmd.Flags().GetInt("timeout"); timeout > 0 {
		payload["timeout_seconds"] = timeout
	}
	if wallet, _ := cmd.Flags().GetString("wallet"); wallet != "" {
		payload["wallet_label"] = wallet
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		payload["debug"] = true
	}

	switch jobType {
	case "strategy":
		strategy, _ := cmd.Flags().GetString("strategy")
		action, _ := cmd.Flags().GetString("action")
		if strategy == "" || action == "" {
			return nil, fmt.Errorf("strategy jobs require --strategy and --action")
		}
		payload["strategy"] = strategy
		payload["action"] = action
		if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
			payload["config"] = configPath
		}

	case "script":
		script, _ := cmd.Flags().GetString("script")
		if script == "" {
			return nil, fmt.Errorf("script jobs require --script")
		}
		payload["script_path"] = script
		if argStr, _ := cmd.Flags().GetString("args"); argStr != "" {
			scriptArgs, err := shellquote.Split(argStr)
			if err != nil {
				return nil, fmt.Errorf("failed to parse --args: %w", err)
			}
			payload["args"] = scriptArgs
		}

	default:
		return nil, fmt.Errorf("unknown job type %q (want strategy or script)", jobType)
	}
	return payload, nil
}

// UpdateCmd changes a job's payload and/or interval
var UpdateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Update a job's payload or interval",
	Long: `Update a job's payload or interval. Name and type are immutable.

Passing any payload flag replaces the whole payload, rebuilt from the
flags given; --interval alone leaves the payload untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		params := map[string]interface{}{"name": name}

		if interval, _ := cmd.Flags().GetInt("interval"); interval > 0 {
			params["interval_seconds"] = interval
		}

		if jobType, _ := cmd.Flags().GetString("type"); jobType != "" {
			payload, err := payloadFromFlags(cmd, jobType)
			if err != nil {
				return err
			}
			params["payload"] = payload
		}

		if len(params) == 1 {
			return fmt.Errorf("nothing to update: pass --interval and/or --type with payload flags")
		}

		client, err := daemonClient()
		if err != nil {
			return err
		}
		if _, err := client.Call("update_job", params); err != nil {
			return err
		}
		fmt.Printf("Updated job %q\n", name)
		return nil
	},
}

// PauseCmd stops future dispatch of a job
var PauseCmd = &cobra.Command{
	Use:   "pause <name>",
	Short: "Pause a job (a run already in flight finishes normally)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		if _, err := client.Call("pause_job", map[string]interface{}{"name": args[0]}); err != nil {
			return err
		}
		fmt.Printf("Paused job %q\n", args[0])
		return nil
	},
}

// ResumeCmd reactivates a paused or breaker-tripped job
var ResumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Resume a paused or error'd job, due immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		if _, err := client.Call("resume_job", map[string]interface{}{"name": args[0]}); err != nil {
			return err
		}
		fmt.Printf("Resumed job %q\n", args[0])
		return nil
	},
}

// RmCmd deletes a job and its run history
var RmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a job and its run history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		if _, err := client.Call("delete_job", map[string]interface{}{"name": args[0]}); err != nil {
			return err
		}
		fmt.Printf("Deleted job %q\n", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{AddCmd, UpdateCmd} {
		c.Flags().String("type", "", "Job type: strategy or script")
		c.Flags().Int("interval", 0, "Run interval in seconds")
		c.Flags().Int("timeout", 0, "Per-run timeout in seconds (0 = daemon default)")
		c.Flags().String("wallet", "", "Wallet label exported to the subprocess")
		c.Flags().Bool("debug", false, "Run the job with debug enabled")
		c.Flags().String("strategy", "", "Strategy name (type=strategy)")
		c.Flags().String("action", "", "Strategy action (type=strategy)")
		c.Flags().String("config", "", "Strategy config path (type=strategy)")
		c.Flags().String("script", "", "Script path inside the runs directory (type=script)")
		c.Flags().String("args", "", "Script arguments, shell-quoted (type=script)")
	}
	AddCmd.MarkFlagRequired("type")
	AddCmd.MarkFlagRequired("interval")
}
