// Package ingest runs one schedule end to end: resolve, download, extract,
// parse, compose, persist, index.
package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/franz/pbs-search/internal/archive"
	"github.com/franz/pbs-search/internal/compose"
	"github.com/franz/pbs-search/internal/schedule"
	"github.com/franz/pbs-search/internal/store"
	"github.com/franz/pbs-search/internal/table"
	"github.com/franz/pbs-search/internal/util"
)

// Resolver finds the archive for a target month
type Resolver interface {
	Resolve(ctx context.Context, opts schedule.Options) (*schedule.Resolved, error)
}

// Downloader fetches an archive
type Downloader interface {
	Download(ctx context.Context, url string, progress io.Writer) ([]byte, error)
}

// Indexer pushes a schedule's documents to the external engine. It
// reports false with no error when the engine is absent or unreachable.
type Indexer interface {
	IndexSchedule(ctx context.Context, code string, docs []*store.Doc) (bool, error)
}

// Config wires a Pipeline
type Config struct {
	Resolver        Resolver
	Downloader      Downloader
	Store           store.Repository
	Indexer         Indexer  // optional
	Embedder        Embedder // optional
	DefaultLookback int

	// OnFinish is called with every recorded run
	OnFinish func(run *store.Run, elapsed time.Duration)
}

// Pipeline runs ingests. It is safe for concurrent use; runs for the same
// schedule wait for each other.
type Pipeline struct {
	cfg   Config
	locks *keyedLock
	now   func() time.Time
}

// New creates a Pipeline
func New(cfg Config) *Pipeline {
	if cfg.Embedder == nil {
		cfg.Embedder = NoopEmbedder{}
	}
	return &Pipeline{cfg: cfg, locks: newKeyedLock(), now: time.Now}
}

// Options selects what to ingest. A nil TargetDate means "latest": the
// downloads page is scraped before any URL probing.
type Options struct {
	TargetDate     *time.Time
	LookbackMonths *int
	Origin         string    // recorded in the run ledger, e.g. "cli" or "api"
	Progress       io.Writer // receives downloaded bytes, may be nil
}

// Result summarises a run
type Result struct {
	RunID        int64          `json:"runId"`
	ScheduleCode string         `json:"scheduleCode"`
	Docs         int            `json:"docs"`
	Indexed      bool           `json:"indexed"`
	Stats        *compose.Stats `json:"-"`
}

// Run executes one ingest and records it in the run ledger
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	origin := opts.Origin
	if origin == "" {
		origin = "cli"
	}

	started := p.now()
	runID, err := p.cfg.Store.StartRun(ctx, origin)
	if err != nil {
		return nil, err
	}

	result := &Result{RunID: runID}
	runErr := p.run(ctx, opts, result)

	run := &store.Run{
		ID:           runID,
		Origin:       origin,
		ScheduleCode: result.ScheduleCode,
		Status:       store.RunSucceeded,
		Docs:         result.Docs,
		Indexed:      result.Indexed,
		StartedAt:    started,
	}
	if runErr != nil {
		run.Status = store.RunFailed
		run.Error = runErr.Error()
	}

	// Record the outcome even when ctx was cancelled
	if err := p.cfg.Store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		util.WarnLog("Could not record outcome of run %d: %v", runID, err)
	}
	if p.cfg.OnFinish != nil {
		p.cfg.OnFinish(run, p.now().Sub(started))
	}

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, opts Options, result *Result) error {
	target := p.now()
	if opts.TargetDate != nil {
		target = *opts.TargetDate
	}
	lookback := p.cfg.DefaultLookback
	if opts.LookbackMonths != nil {
		lookback = *opts.LookbackMonths
	}
	if lookback < 0 {
		return fmt.Errorf("lookback months must be >= 0, got %d: %w", lookback, util.ErrInvalidConfig)
	}

	resolved, err := p.cfg.Resolver.Resolve(ctx, schedule.Options{
		Target:         target,
		LookbackMonths: lookback,
		PreferScrape:   opts.TargetDate == nil,
	})
	if err != nil {
		return err
	}
	result.ScheduleCode = resolved.ScheduleCode
	util.InfoLog("Resolved schedule %s → %s", resolved.ScheduleCode, resolved.URL)

	release, err := p.locks.acquire(ctx, resolved.ScheduleCode)
	if err != nil {
		return err
	}
	defer release()

	data, err := p.cfg.Downloader.Download(ctx, resolved.URL, opts.Progress)
	if err != nil {
		return err
	}

	entries, err := archive.Extract(data)
	if err != nil {
		return err
	}
	util.InfoLog("Extracted %d CSV file(s) from archive", len(entries))

	tables := make([]*table.Table, 0, len(entries))
	for _, entry := range entries {
		t, err := table.Parse(entry.Contents, entry.Path)
		if err != nil {
			return err
		}
		tables = append(tables, t)
	}

	docs, stats, err := compose.Compose(tables, resolved.ScheduleCode)
	if err != nil {
		return err
	}
	result.Stats = stats
	util.InfoLog("Composed %d document(s) (%d links, %d dangling, %d without text)",
		len(docs), stats.Links, stats.Dangling, stats.EmptyText)

	n, err := p.cfg.Store.ReplaceSchedule(ctx, &store.Schedule{
		Code:          resolved.ScheduleCode,
		EffectiveDate: resolved.EffectiveDate,
		SourceURL:     resolved.URL,
	}, docs)
	if err != nil {
		return fmt.Errorf("failed to persist schedule %s: %w", resolved.ScheduleCode, err)
	}
	result.Docs = n
	util.SuccessLog("Stored %d documents for %s", n, resolved.ScheduleCode)

	if p.cfg.Indexer != nil {
		indexed, err := p.cfg.Indexer.IndexSchedule(ctx, resolved.ScheduleCode, docs)
		if err != nil {
			return fmt.Errorf("schedule %s stored but indexing failed: %w", resolved.ScheduleCode, err)
		}
		result.Indexed = indexed
	}

	if _, err := p.cfg.Embedder.EmbedSchedule(ctx, resolved.ScheduleCode); err != nil {
		return fmt.Errorf("embedding step failed: %w", err)
	}

	return nil
}

// Reindex pushes a stored schedule to the external engine again
func (p *Pipeline) Reindex(ctx context.Context, code string) (int, error) {
	if p.cfg.Indexer == nil {
		return 0, fmt.Errorf("no search index configured: %w", util.ErrInvalidConfig)
	}

	release, err := p.locks.acquire(ctx, code)
	if err != nil {
		return 0, err
	}
	defer release()

	docs, err := p.cfg.Store.DocsBySchedule(ctx, code)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, fmt.Errorf("schedule %s has no stored documents: %w", code, util.ErrNotFound)
	}

	indexed, err := p.cfg.Indexer.IndexSchedule(ctx, code, docs)
	if err != nil {
		return 0, err
	}
	if !indexed {
		return 0, fmt.Errorf("search index unreachable: %w", util.ErrUnavailable)
	}
	return len(docs), nil
}
