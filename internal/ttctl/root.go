package ttctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"ttstudio/pkg/types"
)

// Config holds the global flags.
type Config struct {
	Server  string
	Output  string
	LogLvl  string
	Timeout time.Duration
}

func defaultConfig() *Config {
	return &Config{
		Server:  envStr("TT_STUDIO_URL", "http://127.0.0.1:8000"),
		Output:  "table",
		LogLvl:  envStr("TTCTL_LOG_LEVEL", "info"),
		Timeout: envDuration("TTCTL_TIMEOUT", 30*time.Second),
	}
}

// Execute runs ttctl with os.Args and returns the process exit code.
func Execute(ctx context.Context) int {
	root := NewRootCmd(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ttctl:", err)
		return 1
	}
	return 0
}

// NewRootCmd builds the command tree writing results to out.
func NewRootCmd(out io.Writer) *cobra.Command { return buildRootCmdWith(defaultConfig(), out) }

func buildRootCmdWith(cfg *Config, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "ttctl",
		Short:         "Manage model deployments on a TT Studio control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&cfg.Server, "server", cfg.Server, "Control plane URL (defaults TT_STUDIO_URL)")
	root.PersistentFlags().StringVarP(&cfg.Output, "output", "o", cfg.Output, "Output format: table|json")
	root.PersistentFlags().StringVar(&cfg.LogLvl, "log-level", cfg.LogLvl, "Log level: debug|info|warn|error (defaults TTCTL_LOG_LEVEL or info)")
	root.PersistentFlags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Timeout of non-streaming requests")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		SetLogLevel(cfg.LogLvl)
		if cfg.Output != "table" && cfg.Output != "json" {
			return fmt.Errorf("unknown output format %q (want table|json)", cfg.Output)
		}
		return nil
	}

	client := func() *Client { return NewClient(cfg.Server, cfg.Timeout) }
	pr := func() printer { return printer{w: out, json: cfg.Output == "json"} }

	modelsCmd := &cobra.Command{Use: "models", Short: "List registry models and board compatibility", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		models, err := client().Models(cmd.Context())
		if err != nil { return err }
		return pr().render(models, func(t *tablewriter.Table) error { return modelsTable(t, models) })
	}}

	catalogCmd := &cobra.Command{Use: "catalog", Short: "List models with their image pull state", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := client().Catalog(cmd.Context())
		if err != nil { return err }
		return pr().render(entries, func(t *tablewriter.Table) error {
			t.Header("ID", "Image", "Pulled", "Type")
			for _, e := range entries {
				if err := t.Append(e.ID, e.ImageVersion, yesNo(e.ImagePulled), e.ModelType); err != nil { return err }
			}
			return nil
		})
	}}

	deployedCmd := &cobra.Command{Use: "deployed", Aliases: []string{"ps"}, Short: "List running deployments", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		deployed, err := client().Deployed(cmd.Context())
		if err != nil { return err }
		return pr().render(deployed, func(t *tablewriter.Table) error { return deployedTable(t, deployed) })
	}}

	var weights string
	var follow bool
	deployCmd := &cobra.Command{Use: "deploy <model_id>", Short: "Deploy a model and wait until its container started", Example: "  ttctl deploy id_tt-metal-Llama-3.2-1B-Instruct-v0.0.1", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		// Launches take minutes to hours; only the caller's context bounds them.
		c := NewClient(cfg.Server, 0)
		info("deploying %s", args[0])
		res, err := c.Deploy(cmd.Context(), args[0], weights)
		if err != nil {
			var ae *APIError
			if errors.As(err, &ae) && ae.Body.JobID != "" {
				warn("inspect with: ttctl progress %s", ae.Body.JobID)
			}
			return err
		}
		if err := pr().render(res, func(t *tablewriter.Table) error {
			t.Header("Status", "Job", "Container", "Name")
			return t.Append(res.Status, res.JobID, shortID(res.ContainerID), res.ContainerName)
		}); err != nil { return err }
		if follow && res.JobID != "" {
			return watchProgress(cmd.Context(), c, res.JobID, out)
		}
		return nil
	}}
	deployCmd.Flags().StringVar(&weights, "weights", "", "Fine-tuned weights id")
	deployCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow the job's progress stream after the launch")

	jobsCmd := &cobra.Command{Use: "jobs", Short: "List deployment jobs known to the supervisor", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := client().Jobs(cmd.Context())
		if err != nil { return err }
		return pr().render(jobs, func(t *tablewriter.Table) error {
			t.Header("Job", "Status", "Stage", "Progress", "Container", "Updated")
			for _, j := range jobs {
				if err := t.Append(j.JobID, j.Status, j.Stage, strconv.Itoa(j.Progress)+"%", j.ContainerName, j.LastUpdated.Local().Format(time.RFC3339)); err != nil { return err }
			}
			return nil
		})
	}}

	progressCmd := &cobra.Command{Use: "progress <job_id>", Short: "Show or follow the progress of a deployment job", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		if follow {
			return watchProgress(cmd.Context(), NewClient(cfg.Server, cfg.Timeout), args[0], out)
		}
		p, err := client().Progress(cmd.Context(), args[0])
		if err != nil { return err }
		return pr().render(p, func(t *tablewriter.Table) error {
			t.Header("Job", "Status", "Stage", "Progress", "Message")
			return t.Append(p.JobID, p.Status, p.Stage, strconv.Itoa(p.Progress)+"%", p.Message)
		})
	}}
	progressCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream updates until the job ends")

	stopCmd := &cobra.Command{Use: "stop <container_id>", Short: "Stop a deployment and reset the board", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		res, err := client().Stop(cmd.Context(), args[0])
		if res.Status != "" {
			if rerr := pr().render(res, func(t *tablewriter.Table) error {
				t.Header("Status", "Stop", "Reset")
				return t.Append(res.Status, res.StopResponse, res.ResetStatus)
			}); rerr != nil { return rerr }
		}
		return err
	}}

	var limit int
	historyCmd := &cobra.Command{Use: "history", Short: "Show the deployment history", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		h, err := client().History(cmd.Context(), limit)
		if err != nil { return err }
		return pr().render(h, func(t *tablewriter.Table) error { return historyTable(t, h.Deployments) })
	}}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum records (server default 100)")

	boardCmd := &cobra.Command{Use: "board", Short: "Show the detected Tenstorrent board", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		b, err := client().Board(cmd.Context())
		if err != nil { return err }
		return pr().render(b, func(t *tablewriter.Table) error {
			t.Header("Type", "Name")
			return t.Append(b.Type, b.Name)
		})
	}}

	resourcesCmd := &cobra.Command{Use: "resources", Short: "Show host and device telemetry", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		r, err := client().Resources(cmd.Context())
		if err != nil { return err }
		return pr().render(r, func(t *tablewriter.Table) error { return resourcesTable(t, r, out) })
	}}

	var tail string
	logsCmd := &cobra.Command{Use: "logs <container_id>", Short: "Follow a deployment's container logs", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		return NewClient(cfg.Server, cfg.Timeout).Logs(cmd.Context(), args[0], tail, func(f types.LogFrame) error {
			if f.Type == "log" {
				_, err := fmt.Fprintln(out, f.Message)
				return err
			}
			_, err := fmt.Fprintf(out, "[%s] %s\n", f.Type, f.Message)
			return err
		})
	}}
	logsCmd.Flags().StringVar(&tail, "tail", "", "Lines of history to show first (server default 100, or \"all\")")

	eventsCmd := &cobra.Command{Use: "events", Short: "Follow container death notifications", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		return NewClient(cfg.Server, cfg.Timeout).Events(cmd.Context(), func(e types.ContainerEvent) error {
			switch e.Event {
			case "heartbeat":
				debug("heartbeat")
			case "container_died":
				fmt.Fprintf(out, "%s died: %s (%s) status=%s\n", shortID(e.ContainerID), e.ContainerName, e.ModelName, e.Status)
			case "error":
				return fmt.Errorf("event stream: %s", e.Message)
			default:
				info("%s %s", e.Event, e.Message)
			}
			return nil
		})
	}}

	healthCmd := &cobra.Command{Use: "health <deploy_id>", Short: "Probe a deployment's health route", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		h, ok, err := client().Health(cmd.Context(), args[0])
		if err != nil { return err }
		pr().line("%s", h.Message)
		if !ok {
			return fmt.Errorf("deployment %s is unavailable", args[0])
		}
		return nil
	}}

	agentCmd := &cobra.Command{Use: "agent", Short: "Inspect the agent's LLM selection", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("agent requires a subcommand: status|refresh")
	}}
	agentStatus := &cobra.Command{Use: "status", Short: "Show the active LLM", RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client().AgentStatus(cmd.Context())
		if err != nil { return err }
		return pr().render(s, func(t *tablewriter.Table) error { return agentTable(t, s) })
	}}
	agentRefresh := &cobra.Command{Use: "refresh", Short: "Rediscover deployments and reselect the LLM", RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client().AgentRefresh(cmd.Context())
		if err != nil { return err }
		return pr().render(s, func(t *tablewriter.Table) error { return agentTable(t, s) })
	}}
	agentCmd.AddCommand(agentStatus, agentRefresh)

	root.AddCommand(modelsCmd, catalogCmd, deployedCmd, deployCmd, jobsCmd, progressCmd, stopCmd, historyCmd, boardCmd, resourcesCmd, logsCmd, eventsCmd, healthCmd, agentCmd)

	// completion command
	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(out) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(out) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(out, true) }})
	root.AddCommand(completionCmd)

	return root
}

// watchProgress prints one line per progress update and fails when the job did.
func watchProgress(ctx context.Context, c *Client, jobID string, out io.Writer) error {
	var last types.ProgressResponse
	err := c.WatchProgress(ctx, jobID, func(p types.ProgressResponse) error {
		last = p
		_, err := fmt.Fprintf(out, "[%3d%%] %-10s %-9s %s\n", p.Progress, p.Stage, p.Status, p.Message)
		return err
	})
	if err != nil {
		return err
	}
	switch last.Status {
	case "error", "cancelled", "stalled":
		return fmt.Errorf("job %s ended %s: %s", jobID, last.Status, last.Message)
	}
	return nil
}

func modelsTable(t *tablewriter.Table, models []types.ModelView) error {
	t.Header("ID", "Name", "Type", "Compatible", "Boards")
	for _, m := range models {
		compat := "unknown"
		if m.IsCompatible != nil {
			compat = yesNo(*m.IsCompatible)
		}
		if err := t.Append(m.ID, m.Name, m.ModelType, compat, strings.Join(m.CompatibleBoards, ",")); err != nil { return err }
	}
	return nil
}

func deployedTable(t *tablewriter.Table, deployed map[string]types.DeployRecordView) error {
	ids := make([]string, 0, len(deployed))
	for id := range deployed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	t.Header("Container", "Name", "Model", "Status", "Health", "URL")
	for _, id := range ids {
		d := deployed[id]
		model := d.ModelID
		if d.ModelSpec != nil {
			model = d.ModelSpec.ModelName
		}
		if err := t.Append(shortID(id), d.ContainerName, model, d.Status, d.Health, d.InternalURL); err != nil { return err }
	}
	return nil
}

func historyTable(t *tablewriter.Table, recs []types.LifecycleRecordView) error {
	t.Header("Container", "Model", "Device", "Deployed", "Stopped", "Status", "By user")
	for _, r := range recs {
		stopped := "-"
		if r.StoppedAt != nil {
			stopped = units.HumanDuration(r.StoppedAt.Sub(r.DeployedAt)) + " later"
		}
		if err := t.Append(shortID(r.ContainerID), r.ModelName, r.Device, r.DeployedAt.Local().Format(time.RFC3339), stopped, r.Status, yesNo(r.StoppedByUser)); err != nil { return err }
	}
	return nil
}

func resourcesTable(t *tablewriter.Table, r types.SystemResources, out io.Writer) error {
	h := r.HostInfo
	fmt.Fprintf(out, "%s  %s %s  cpu %d (%.0f%%)  mem %s / %s  up %s  board %s (%s)\n",
		h.Hostname, h.Platform, h.KernelVersion, h.CPUCount, h.CPUPercent,
		units.BytesSize(float64(h.MemoryUsed)), units.BytesSize(float64(h.MemoryTotal)),
		units.HumanDuration(time.Duration(h.UptimeSeconds)*time.Second), r.BoardName, r.HardwareStatus)
	t.Header("Device", "Board", "Bus", "Temp", "Power", "Voltage", "AICLK", "Status")
	for _, d := range r.Devices {
		if err := t.Append(strconv.Itoa(d.Index), d.BoardType, d.BusID,
			fmt.Sprintf("%.1f", d.Temperature), fmt.Sprintf("%.1f", d.Power), fmt.Sprintf("%.2f", d.Voltage), fmt.Sprintf("%.0f", d.AIClock), d.Status); err != nil { return err }
	}
	return nil
}

func agentTable(t *tablewriter.Table, s types.AgentStatus) error {
	t.Header("Active", "Model", "Health", "Failures", "Candidates")
	if s.Active == nil {
		return t.Append("-", "-", "-", strconv.Itoa(s.ConsecutiveFailures), strconv.Itoa(s.Candidates))
	}
	return t.Append(s.Active.ContainerName, s.Active.ModelName, s.Active.HealthStatus, strconv.Itoa(s.ConsecutiveFailures), strconv.Itoa(s.Candidates))
}
