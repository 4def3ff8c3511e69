package schedule

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/franz/pbs-search/internal/util"
)

const (
	// DefaultMarker identifies the CSV bundle link on the downloads page
	DefaultMarker = "PBS-API-CSV"

	// DefaultProbeTimeout bounds each HEAD probe and the page scrape
	DefaultProbeTimeout = 15 * time.Second

	// DefaultDownloadTimeout bounds a whole archive download
	DefaultDownloadTimeout = 5 * time.Minute

	defaultUserAgent = "pbs-search/1.0 (+https://github.com/franz/pbs-search)"
)

// ErrUnresolvable is returned when neither probing nor scraping found an archive
var ErrUnresolvable = errors.New("unable to resolve schedule archive")

// Config configures a Resolver
type Config struct {
	DownloadBase    string        // base URL the filename patterns hang off
	DownloadsPage   string        // HTML page scraped as a fallback (defaults to DownloadBase)
	Marker          string        // case-insensitive anchor marker
	UserAgent       string        // sent on every request
	ProbeTimeout    time.Duration // per probe
	DownloadTimeout time.Duration // whole download
	HTTPClient      *http.Client  // optional, for tests
}

// Resolver finds the archive URL for a schedule month
type Resolver struct {
	cfg    Config
	client *http.Client
}

// Options controls one Resolve call
type Options struct {
	Target         time.Time // zero means now
	LookbackMonths int
	PreferScrape   bool // try the downloads page before probing patterns
}

// Resolved is a reachable schedule archive
type Resolved struct {
	ScheduleCode  string
	EffectiveDate time.Time
	URL           string
}

// New creates a Resolver, filling unset fields with defaults
func New(cfg Config) *Resolver {
	cfg.DownloadBase = strings.TrimRight(cfg.DownloadBase, "/")
	if cfg.DownloadsPage == "" {
		cfg.DownloadsPage = cfg.DownloadBase
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		// Per-request contexts carry the deadlines
		client = &http.Client{}
	}

	return &Resolver{cfg: cfg, client: client}
}

// Code formats the schedule code (YYYY-MM) for t in UTC
func Code(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// FirstOfMonth truncates t to midnight UTC on the first of its month
func FirstOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// CandidateURLs returns the archive URLs to probe for a schedule code,
// in priority order
func CandidateURLs(base, code string) []string {
	base = strings.TrimRight(base, "/")
	year, month, _ := strings.Cut(code, "-")

	return []string{
		fmt.Sprintf("%s/%s/%s/%s-01-PBS-API-CSV.zip", base, year, month, code),
		fmt.Sprintf("%s/%s.zip", base, code),
		fmt.Sprintf("%s/%s%s.zip", base, year, month),
		fmt.Sprintf("%s/%s/%s/pbs-%s.zip", base, year, month, code),
		fmt.Sprintf("%s/pbs-%s.zip", base, code),
	}
}

// Resolve finds the nearest reachable schedule at or before the target month
func (r *Resolver) Resolve(ctx context.Context, opts Options) (*Resolved, error) {
	target := opts.Target
	if target.IsZero() {
		target = time.Now()
	}
	target = FirstOfMonth(target)

	if opts.LookbackMonths < 0 {
		opts.LookbackMonths = 0
	}

	if opts.PreferScrape {
		resolved, err := r.scrape(ctx)
		if err == nil {
			return resolved, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		util.WarnLog("Downloads page scrape failed, probing URL patterns: %v", err)
	}

	resolved, err := r.probe(ctx, target, opts.LookbackMonths)
	if err != nil {
		return nil, err
	}
	if resolved != nil {
		return resolved, nil
	}

	if !opts.PreferScrape {
		resolved, err := r.scrape(ctx)
		if err == nil {
			return resolved, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		util.WarnLog("Downloads page scrape failed: %v", err)
	}

	return nil, fmt.Errorf("%w after looking back %d months from %s",
		ErrUnresolvable, opts.LookbackMonths, Code(target))
}

// probe walks back month by month and returns the first reachable
// pattern. A nil result with nil error means nothing answered.
func (r *Resolver) probe(ctx context.Context, target time.Time, lookback int) (*Resolved, error) {
	for i := 0; i <= lookback; i++ {
		month := target.AddDate(0, -i, 0)
		code := Code(month)

		for _, candidate := range CandidateURLs(r.cfg.DownloadBase, code) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if r.headOK(ctx, candidate) {
				util.DebugLog("Resolved schedule %s via %s", code, candidate)
				return &Resolved{
					ScheduleCode:  code,
					EffectiveDate: month,
					URL:           candidate,
				}, nil
			}
		}
	}
	return nil, nil
}

func (r *Resolver) headOK(ctx context.Context, target string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		util.DebugLog("HEAD %s: %v", target, err)
		return false
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		util.DebugLog("HEAD %s failed: %v", target, err)
		return false
	}
	resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
