package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"crawlerd/internal/app"
	"crawlerd/internal/config"
	"crawlerd/internal/crawler"
	"crawlerd/pkg/logx"
)

var (
	configPath string // resolved in PersistentPreRunE; "" = built-in defaults

	flagConfig  string
	flagVerbose bool
	flagNoColor bool
	flagGrace   time.Duration
	flagStrict  bool
)

// errJobsFailed makes `once --strict` exit non-zero without printing twice.
var errJobsFailed = errors.New("one or more crawlers failed")

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default $"+config.EnvPath+" or ./"+config.DefaultFile+")")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "plain output")
	rootCmd.PersistentPreRunE = initCrawlerd
	rootCmd.SilenceErrors = true

	runCmd.Flags().DurationVar(&flagGrace, "grace", 30*time.Second, "how long to wait for a running crawler on shutdown")
	onceCmd.Flags().BoolVar(&flagStrict, "strict", false, "exit 1 when any crawler fails")

	rootCmd.AddCommand(runCmd, onceCmd, jobsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errJobsFailed) {
			logx.NewConsole("INFO").Error("crawlerd failed", logx.Err(err))
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "crawlerd",
	Short:        "Runs the crawler scripts on a fixed interval",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the scheduler until interrupted",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "run every crawler once and print a summary",
	Args:  cobra.NoArgs,
	RunE:  doOnce,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "show where each configured crawler resolves to",
	Args:  cobra.NoArgs,
	RunE:  doJobs,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(w, "crawlerd: version info not available")
			return
		}
		if configPath != "" {
			fmt.Fprintf(w, "config:   %s\n", configPath)
		}
		fmt.Fprintf(w, "crawlerd: %s\n", info.Main.Version)
		fmt.Fprintf(w, "go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(w, "commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(w, "date:     %s\n", s.Value)
			}
		}
	},
}

func initCrawlerd(cmd *cobra.Command, _ []string) error {
	if flagNoColor {
		pterm.DisableColor()
	}
	configPath = config.FindPath(flagConfig)
	return nil
}

func appOptions() []app.Option {
	if flagVerbose {
		return []app.Option{app.WithLogLevel("DEBUG")}
	}
	return nil
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(configPath, appOptions()...)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx)

	if flagGrace > 0 {
		a.Log().Info("waiting for running crawler", logx.Duration("grace", flagGrace))
		drainCtx, cancel := context.WithTimeout(context.Background(), flagGrace)
		defer cancel()
		if err := a.Drain(drainCtx); err != nil {
			a.Log().Warn("crawler still running at exit", logx.Err(err))
		}
	}
	return a.Err()
}

func doOnce(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(configPath, appOptions()...)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.RunOnce(ctx)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), report.Results)
	if flagStrict && report.Failed() > 0 {
		return errJobsFailed
	}
	return nil
}

func printSummary(w io.Writer, results []crawler.Result) {
	for _, r := range results {
		var status string
		switch r.Status {
		case crawler.StatusSucceeded:
			status = pterm.Green("ok")
		case crawler.StatusResolutionFailed:
			status = pterm.Yellow("skipped")
		default:
			status = pterm.Red("failed")
		}
		fmt.Fprintf(w, "%-24s %s  %s  %s  %s\n",
			r.Job.Name,
			status,
			pterm.Gray(r.Duration.Round(time.Millisecond).String()),
			pterm.Gray(humanize.Bytes(uint64(len(r.Stdout)))),
			r.Summary(),
		)
	}
}

func doJobs(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewManager(configPath).Load()
	if err != nil {
		return err
	}
	plan, err := app.PlanFor(cfg)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	ex := cfg.Executor()
	for _, job := range plan.Jobs {
		r, err := plan.Resolver.Resolve(job)
		var nf *crawler.NotFoundError
		switch {
		case errors.As(err, &nf):
			fmt.Fprintf(w, "%-24s %s\n  tried %s\n  tried %s\n", job.Name, pterm.Red("not found"), nf.Primary, nf.Fallback)
		case err != nil:
			fmt.Fprintf(w, "%-24s %s %v\n", job.Name, pterm.Red("invalid"), err)
		default:
			fmt.Fprintf(w, "%-24s %s %s\n  %s\n", job.Name, pterm.Green(r.Layout.String()), r.Script, pterm.Gray(ex.CommandLine(r)))
		}
	}
	fmt.Fprintf(w, "\ninterval %s, timeout %s\n", cfg.Interval(), timeoutLabel(cfg.Timeout()))
	return nil
}

func timeoutLabel(d time.Duration) string {
	if d == 0 {
		return "none"
	}
	return d.String()
}
