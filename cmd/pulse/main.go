// Command pulse runs the reliability intelligence engine: telemetry intake,
// windowed aggregation, anomaly detection, and the query API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/api"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/config"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/engine"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/incident"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/ingest"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/logging"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/storage"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/telemetry"
)

// version is stamped by the build via -ldflags "-X main.version=...".
var version = "dev"

const configWatchInterval = 3 * time.Second

type rootOptions struct {
	configPath string
	noColor    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pulse",
		Short: "Reliability intelligence for LLM provider telemetry",
		Long: `pulse ingests request telemetry from REST, Kafka, and log-tail transports,
aggregates it into per-segment windows, resolves provider health across
official and observed lenses, and raises debounced early warnings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "pulse.yaml", "path to the configuration file")
	cmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	cmd.AddCommand(
		newServeCommand(opts),
		newStatusCommand(),
		newCheckConfigCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the intake transports, detector, and query API",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runServe(opts.configPath)
		},
	}
}

func runServe(configPath string) error {
	mgr, err := config.NewManager(config.ResolvePath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	current := mgr.Get()

	logger := logging.NewLogger(current.LogLevel, current.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting pulse", "version", version, "config", mgr.Path())

	samples := telemetry.NewStore(current.Retention.Horizon, nil)

	// Without a feed the store never refreshes, so age-based staleness
	// would mark every provider unknown. Keep records indefinitely then.
	feedConfigured := current.Incident.FeedURL != ""
	maxAge := time.Duration(0)
	if feedConfigured {
		maxAge = current.Incident.MaxAge
	}
	incidents := incident.NewStore(maxAge, nil)

	archive, err := storage.NewStore(current.Storage)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	if archive != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = archive.Init(initCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
		defer func() { _ = archive.Close() }()
		incidents.SetArchive(func(inc model.Incident) {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archive.SaveIncident(saveCtx, inc); err != nil {
				logger.Warn("incident archive failed", "incident", inc.ID, "error", err)
			}
		})
		logger.Info("archive enabled", "driver", current.Storage.Driver)
	}

	eng := engine.NewEngine(mgr, samples, incidents, archive, nil, logger)
	intake := make(chan model.Sample, current.Ingest.ChannelBuffer)
	eng.Start(ctx, intake)

	if feedConfigured {
		feed := incident.NewClient(current.Incident.FeedURL, current.Incident.FeedTimeout, current.Incident.Refresh, incidents, logger)
		go feed.Run(ctx)
	}

	guard := ingest.NewGuard(current.Ingest.Guard)
	ingest.StartREST(ctx, mgr, guard, intake, logger)
	ingest.StartKafka(ctx, mgr, intake, logger)
	ingest.StartFileTail(ctx, mgr, intake, logger)

	api.Start(ctx, mgr, eng, eng.NewPlanner(), incidents, logger, version)

	go mgr.Watch(configWatchInterval, func(*config.Config) {
		logger.Info("configuration reloaded", "path", mgr.Path())
	}, func(err error) {
		logger.Warn("configuration reload failed", "error", err)
	}, ctx.Done())

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// statusView mirrors the fields of the /v1/status payload the CLI prints.
type statusView struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Segments int    `json:"segments"`
	Warnings int    `json:"active_warnings"`
	Ingest   struct {
		REST     bool `json:"rest"`
		Kafka    bool `json:"kafka"`
		FileTail bool `json:"file_tail"`
	} `json:"ingest"`
	Detection struct {
		ConfirmCycles int    `json:"confirm_cycles"`
		ClearCycles   int    `json:"clear_cycles"`
		EvalInterval  string `json:"eval_interval"`
	} `json:"detection"`
	Storage struct {
		Enabled bool   `json:"enabled"`
		Driver  string `json:"driver"`
	} `json:"storage"`
}

func newStatusCommand() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running instance",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(baseURL + "/v1/status")
			if err != nil {
				return fmt.Errorf("query %s: %w", baseURL, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected response %s from %s", resp.Status, baseURL)
			}
			var view statusView
			if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			printStatus(view)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8081", "base URL of the query API")
	return cmd
}

func printStatus(view statusView) {
	fmt.Fprintf(color.Output, "pulse %s: %s\n", color.CyanString(view.Version), color.GreenString(view.Status))
	fmt.Fprintf(color.Output, "  segments: %s  active warnings: %s\n",
		color.YellowString("%d", view.Segments), warningCount(view.Warnings))
	fmt.Fprintf(color.Output, "  intake: rest=%s kafka=%s file_tail=%s\n",
		onOff(view.Ingest.REST), onOff(view.Ingest.Kafka), onOff(view.Ingest.FileTail))
	fmt.Fprintf(color.Output, "  detection: confirm=%d clear=%d every %s\n",
		view.Detection.ConfirmCycles, view.Detection.ClearCycles, view.Detection.EvalInterval)
	if view.Storage.Enabled {
		fmt.Fprintf(color.Output, "  archive: %s\n", color.GreenString(view.Storage.Driver))
	} else {
		fmt.Fprintf(color.Output, "  archive: %s\n", color.YellowString("disabled"))
	}
}

func warningCount(n int) string {
	if n > 0 {
		return color.RedString("%d", n)
	}
	return color.GreenString("%d", n)
}

func onOff(enabled bool) string {
	if enabled {
		return color.GreenString("on")
	}
	return color.HiBlackString("off")
}

func newCheckConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkconfig",
		Short: "Validate the configuration file and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			path := config.ResolvePath(opts.configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Fprintf(color.Output, "%s %s\n", color.GreenString("configuration OK:"), path)
			fmt.Fprintf(color.Output, "  api: %s  rest intake: %s  kafka: %s  file tail: %s\n",
				onOff(cfg.API.Enabled), onOff(cfg.Ingest.REST.Enabled),
				onOff(cfg.Ingest.Kafka.Enabled), onOff(cfg.Ingest.FileTail.Enabled))
			fmt.Fprintf(color.Output, "  windows: default %dm, baseline %dm, max %dm\n",
				cfg.Windows.DefaultMinutes, cfg.Windows.BaselineMinutes, cfg.Windows.MaxMinutes)
			if cfg.Storage.Enabled {
				fmt.Fprintf(color.Output, "  storage: %s\n", color.GreenString(cfg.Storage.Driver))
			} else {
				fmt.Fprintf(color.Output, "  storage: %s\n", color.YellowString("disabled"))
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(color.Output, "pulse %s - Go version: %s\n",
				color.CyanString(version), color.RedString(runtime.Version()))
		},
	}
}
