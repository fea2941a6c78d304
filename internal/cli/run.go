package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/amharness/internal/config"
	"github.com/Dicklesworthstone/amharness/internal/history"
	"github.com/Dicklesworthstone/amharness/internal/logx"
	"github.com/Dicklesworthstone/amharness/internal/output"
	"github.com/Dicklesworthstone/amharness/internal/suite"
)

var (
	flagRunInclude     []string
	flagRunExclude     []string
	flagRunTimeout     int
	flagRunRetries     int
	flagRunKeepTmp     bool
	flagRunArtifactDir string
	flagRunExtraArg    string
	flagRunClockMode   string
	flagRunSeed        string
)

func init() {
	runCmd.Flags().StringSliceVar(&flagRunInclude, "include", nil, "only run suites matching these patterns (single-* globs)")
	runCmd.Flags().StringSliceVar(&flagRunExclude, "exclude", nil, "skip suites matching these patterns")
	runCmd.Flags().IntVar(&flagRunTimeout, "timeout", 0, "per-suite timeout in seconds (default 600)")
	runCmd.Flags().IntVar(&flagRunRetries, "retries", 0, "retries after an initial suite failure")
	runCmd.Flags().BoolVar(&flagRunKeepTmp, "keep-tmp", false, "keep suite temporary directories")
	runCmd.Flags().StringVar(&flagRunArtifactDir, "artifact-dir", "", "directory for run report artifacts")
	runCmd.Flags().StringVar(&flagRunExtraArg, "extra-arg", "", "shell-quoted extra arguments passed to each suite script")
	runCmd.Flags().StringVar(&flagRunClockMode, "clock-mode", "", "clock mode for suites (wall or deterministic)")
	runCmd.Flags().StringVar(&flagRunSeed, "seed", "", "deterministic seed for suites")

	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [suites...]",
	Short: "Run E2E suites and capture artifact bundles",
	Long: `Run the named suites (or all discovered suites) sequentially.

Each suite is a tests/e2e/test_<name>.sh script executed with a bounded
timeout; its assertion counts are parsed from the Pass:/Fail:/Skip:
summary lines. Exit status is 0 only when every suite passed.

Examples:
  amharness run
  amharness run share_export search
  amharness run --include 'db_*' --exclude db_migration --timeout 300
  E2E_CLOCK_MODE=deterministic E2E_SEED=42 amharness run search`,
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides := map[string]any{}
		if flagRunTimeout > 0 {
			overrides["run.timeout_seconds"] = flagRunTimeout
		}
		if flagRunRetries > 0 {
			overrides["run.retries"] = flagRunRetries
		}
		if flagRunKeepTmp {
			overrides["run.keep_tmp"] = true
		}
		if flagRunClockMode != "" {
			overrides["run.clock_mode"] = flagRunClockMode
		}
		if flagRunSeed != "" {
			overrides["run.seed"] = flagRunSeed
		}
		cfg, err := loadConfig(overrides)
		if err != nil {
			return err
		}

		artifactDir := flagRunArtifactDir
		if artifactDir == "" {
			artifactDir = filepath.Join(projectRoot(), "tests", "artifacts", "_runner",
				time.Now().UTC().Format("20060102_150405"))
		}

		// Tee runner logs into the artifact dir so the record of the run
		// survives next to its bundles. Keep the level the root command
		// already resolved from flags and config.
		logOpts := logx.DefaultLoggerOptions()
		logOpts.Level = logx.GetDefaultLogger().GetLevel().String()
		if fileLogger, logErr := logx.InitFileLogger(filepath.Join(artifactDir, "runner.log"), logOpts); logErr == nil {
			logx.SetDefaultLogger(fileLogger)
		} else {
			logx.Warn("run log file unavailable", "dir", artifactDir, "err", logErr)
		}

		env := map[string]string{}
		if cfg.Run.ClockMode != "" {
			env["E2E_CLOCK_MODE"] = cfg.Run.ClockMode
		}
		if cfg.Run.Seed != "" {
			env["E2E_SEED"] = cfg.Run.Seed
		}

		runner, err := suite.NewRunner(projectRoot(), suite.Config{
			ArtifactDir:    artifactDir,
			MaxOutputBytes: cfg.Run.MaxOutputBytes,
			Timeout:        time.Duration(cfg.Run.TimeoutSecs) * time.Second,
			Retries:        cfg.Run.Retries,
			Env:            env,
			KeepTmp:        cfg.Run.KeepTmp,
			ExtraArgs:      flagRunExtraArg,
		})
		if err != nil {
			return err
		}

		var report *suite.Report
		if len(flagRunInclude) > 0 || len(flagRunExclude) > 0 {
			report = runner.RunFiltered(flagRunInclude, flagRunExclude)
		} else {
			report = runner.Run(args)
		}

		recordHistory(cfg.History, report)

		if output.IsJSON() {
			if err := output.OutputJSON(report); err != nil {
				return err
			}
		} else {
			fmt.Fprint(os.Stderr, report.FormatSummary())
		}

		if !report.Success() {
			return fmt.Errorf("%d of %d suites failed", report.Failed, report.Total)
		}
		return nil
	},
}

// recordHistory persists one row per suite result. Best-effort: a broken
// history store never fails the run.
func recordHistory(cfg config.HistoryConfig, report *suite.Report) {
	if !cfg.Enabled {
		return
	}
	path := cfg.DatabasePath
	if path == "" {
		path = history.DefaultPath()
	}
	db, err := history.Open(path)
	if err != nil {
		logx.Warn("history store unavailable", "path", path, "err", err)
		return
	}
	defer db.Close()

	for _, res := range report.Results {
		run := &history.Run{
			Suite:     res.Name,
			Timestamp: res.StartedAt,
			Total:     res.AssertionsPassed + res.AssertionsFailed + res.AssertionsSkipped,
			Pass:      res.AssertionsPassed,
			Fail:      res.AssertionsFailed,
			Skip:      res.AssertionsSkipped,
			ExitCode:  res.ExitCode,
			Validated: res.Passed,
		}
		if err := db.RecordRun(run); err != nil {
			logx.Warn("history insert failed", "suite", res.Name, "err", err)
		}
	}
}
