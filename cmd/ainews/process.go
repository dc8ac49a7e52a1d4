package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fentz26/ainews/internal/process"
	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Control the supervised crawl process",
}

var (
	processDaysBack   int
	processResumeFrom string
	processStopWait   time.Duration
	processMaxRetries int
	processJSON       bool
)

func init() {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the crawl process",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"days_back": processDaysBack, "resume_from": processResumeFrom}
			return postAndShowStatus("/process/start", body, 0)
		},
	}
	startCmd.Flags().IntVar(&processDaysBack, "days-back", 7, "How many days back to crawl")
	startCmd.Flags().StringVar(&processResumeFrom, "resume-from", "", "Resume from this timestamp")

	pauseCmd := &cobra.Command{
		Use:   "pause",
		Short: "Suspend the crawl process and save a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndShowStatus("/process/pause", nil, 0)
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused crawl process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndShowStatus("/process/resume", nil, 0)
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the crawl process, killing it after the timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"timeout_sec": int(processStopWait.Seconds())}
			resp, err := apiPost("/process/stop", body, processStopWait+DefaultClientTimeout)
			if err != nil {
				return err
			}
			var res struct {
				Forced bool `json:"forced"`
			}
			if err := json.Unmarshal(resp, &res); err != nil {
				return err
			}
			if res.Forced {
				fmt.Println("Stopped (killed after timeout)")
			} else {
				fmt.Println("Stopped")
			}
			return nil
		},
	}
	stopCmd.Flags().DurationVar(&processStopWait, "timeout", 10*time.Second, "Graceful stop timeout")

	emergencyCmd := &cobra.Command{
		Use:   "emergency-stop",
		Short: "Kill the crawl process and every matching process",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiPost("/process/emergency-stop", nil, 0)
			if err != nil {
				return err
			}
			var res struct {
				Killed []int32 `json:"killed_processes"`
			}
			if err := json.Unmarshal(resp, &res); err != nil {
				return err
			}
			fmt.Printf("Killed %d processes %v\n", len(res.Killed), res.Killed)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the crawl process status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiGet("/process")
			if err != nil {
				return err
			}
			return showStatus(resp)
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Run a health check on the crawl process",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiGet("/process/health")
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	recoveryCmd := &cobra.Command{
		Use:   "recovery [on|off]",
		Short: "Enable or disable automatic crash recovery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			body := map[string]any{"enabled": enabled}
			if cmd.Flags().Changed("max-attempts") {
				body["max_attempts"] = processMaxRetries
			}
			return postAndShowStatus("/process/recovery", body, 0)
		},
	}
	recoveryCmd.Flags().IntVar(&processMaxRetries, "max-attempts", 3, "Recovery attempt budget")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup-memory",
		Short: "Run a memory cleanup pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiPost("/process/cleanup-memory", nil, 0)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	processCmd.PersistentFlags().BoolVar(&processJSON, "json", false, "Print raw JSON")
	processCmd.AddCommand(startCmd, pauseCmd, resumeCmd, stopCmd, emergencyCmd, statusCmd, healthCmd, recoveryCmd, cleanupCmd)
}

func postAndShowStatus(path string, body any, timeout time.Duration) error {
	resp, err := apiPost(path, body, timeout)
	if err != nil {
		return err
	}
	return showStatus(resp)
}

func showStatus(raw []byte) error {
	if processJSON {
		return printJSON(raw)
	}
	var st process.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return err
	}

	fmt.Printf("State:     %s\n", st.State)
	if st.PID != 0 {
		fmt.Printf("PID:       %d\n", st.PID)
	}
	if st.StartTime != nil {
		fmt.Printf("Started:   %s (%s up)\n", humanize.Time(*st.StartTime), time.Duration(st.UptimeSeconds)*time.Second)
	}
	p := st.Progress
	fmt.Printf("Progress:  %d/%d sources (%.1f%%), %s articles\n",
		p.ProcessedSources, p.TotalSources, p.Percent, humanize.Comma(int64(p.TotalArticles)))
	if p.CurrentSource != "" {
		fmt.Printf("Source:    %s\n", p.CurrentSource)
	}
	if st.Memory != nil {
		fmt.Printf("Memory:    %s rss, %.1f%% cpu\n", humanize.IBytes(uint64(st.Memory.RSSMB*1024*1024)), st.Memory.CPUPercent)
	}
	fmt.Printf("Recovery:  enabled=%t attempts=%d/%d\n", st.Recovery.Enabled, st.Recovery.Attempts, st.Recovery.MaxAttempts)
	for name, b := range st.Breakers {
		fmt.Printf("Breaker:   %s %s (%d failures)\n", name, b.State, b.Failures)
	}
	if st.LastError != "" {
		fmt.Printf("Error:     %s\n", st.LastError)
	}
	return nil
}
