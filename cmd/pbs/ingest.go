package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/franz/pbs-search/internal/ingest"
	"github.com/franz/pbs-search/internal/schedule"
	"github.com/franz/pbs-search/internal/store"
	"github.com/franz/pbs-search/internal/util"
	"github.com/schollz/progressbar/v3"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Download and ingest a monthly schedule",
	Long: `Resolve, download and ingest one monthly schedule.

Without --target-date the latest schedule is ingested: the downloads page is
scraped first and URL patterns are probed as a fallback. With --target-date
the month containing that date is probed, stepping back up to --lookback
months until an archive is found.

Re-ingesting a schedule replaces its documents; other schedules are kept.`,
	RunE: runIngest,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Ingest the last N monthly schedules",
	Long: `Ingest the schedules for the first of each of the last N months,
counting back from the current month. Each month is resolved without
lookback, so months without a published archive are reported and skipped.`,
	RunE: runBackfill,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push a stored schedule to Elasticsearch",
	Long: `Rebuild the Elasticsearch index for a schedule from the documents
already stored in the database, then repoint the search alias.`,
	RunE: runReindex,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(reindexCmd)

	ingestCmd.Flags().String("target-date", "", "ingest the schedule effective for this date (YYYY-MM-DD)")
	ingestCmd.Flags().Int("lookback", 0, "months to step back when the target month has no archive (default from download.lookback)")
	ingestCmd.Flags().Bool("no-progress", false, "disable the download progress bar")

	backfillCmd.Flags().Int("months", 3, "number of months to ingest")
	backfillCmd.Flags().Int("concurrency", 1, "months ingested in parallel")

	reindexCmd.Flags().String("schedule", "", "schedule code to reindex (default: latest)")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newProgress returns a byte progress bar on interactive terminals
func newProgress(disabled bool) (io.Writer, func()) {
	if disabled || util.IsQuiet() || !util.IsTerminal(os.Stderr.Fd()) {
		return nil, func() {}
	}
	width := util.GetTerminalWidth() / 2
	if width > 40 {
		width = 40
	}
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("Downloading"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(width),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSpinnerType(14),
	)
	return bar, func() { bar.Finish() }
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	opts := ingest.Options{Origin: "cli"}

	if raw, _ := cmd.Flags().GetString("target-date"); raw != "" {
		t, err := time.Parse(store.DateLayout, raw)
		if err != nil {
			return fmt.Errorf("invalid --target-date %q (want YYYY-MM-DD): %w", raw, err)
		}
		opts.TargetDate = &t
	}
	if cmd.Flags().Changed("lookback") {
		lookback, _ := cmd.Flags().GetInt("lookback")
		opts.LookbackMonths = &lookback
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	noProgress, _ := cmd.Flags().GetBool("no-progress")
	progress, finish := newProgress(noProgress)
	opts.Progress = progress

	startTime := time.Now()
	result, err := a.pipeline().Run(ctx, opts)
	finish()
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}

	util.InfoLog("")
	util.SuccessLog("=== Ingest Summary ===")
	util.InfoLog("Schedule: %s", result.ScheduleCode)
	util.InfoLog("Documents: %d", result.Docs)
	if result.Stats != nil {
		util.InfoLog("  Items: %d, restrictions: %d, links: %d", result.Stats.Items, result.Stats.Restrictions, result.Stats.Links)
		if result.Stats.Dangling > 0 {
			util.WarnLog("  Dangling links skipped: %d", result.Stats.Dangling)
		}
	}
	if a.indexer != nil {
		util.InfoLog("Indexed in Elasticsearch: %t", result.Indexed)
	}
	util.InfoLog("Total time: %v", time.Since(startTime).Round(time.Millisecond))

	return nil
}

// backfillTargets returns the first of each of the last n months, newest first
func backfillTargets(now time.Time, n int) []time.Time {
	first := schedule.FirstOfMonth(now)
	targets := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		targets = append(targets, first.AddDate(0, -i, 0))
	}
	return targets
}

func runBackfill(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	months, _ := cmd.Flags().GetInt("months")
	if months <= 0 {
		return fmt.Errorf("--months must be positive")
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		concurrency = 1
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	pipeline := a.pipeline()
	zero := 0

	util.InfoLog("Backfilling %d months (concurrency %d)", months, concurrency)

	p := pool.New().WithMaxGoroutines(concurrency).WithErrors().WithContext(ctx)
	for _, target := range backfillTargets(time.Now(), months) {
		p.Go(func(ctx context.Context) error {
			month := schedule.Code(target)
			result, err := pipeline.Run(ctx, ingest.Options{
				TargetDate:     &target,
				LookbackMonths: &zero,
				Origin:         "backfill",
			})
			if err != nil {
				util.ErrorLog("Backfill month %s failed: %v", month, err)
				return fmt.Errorf("%s: %w", month, err)
			}
			util.SuccessLog("Backfill month %s complete (%d docs)", result.ScheduleCode, result.Docs)
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		if errors.Is(err, schedule.ErrUnresolvable) {
			util.WarnLog("Some months have no published archive")
		}
		return fmt.Errorf("backfill incomplete: %w", err)
	}

	util.SuccessLog("Backfill complete")
	return nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	code, _ := cmd.Flags().GetString("schedule")
	if code == "" {
		latest, err := a.repo.LatestSchedule(ctx)
		if err != nil {
			return err
		}
		if latest == nil {
			return fmt.Errorf("no schedules stored; run pbs ingest first")
		}
		code = latest.Code
	}

	n, err := a.pipeline().Reindex(ctx, code)
	if err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}

	util.SuccessLog("Reindexed %d documents for schedule %s (alias %s)", n, code, a.indexer.Alias())
	return nil
}
