// Package search normalises queries and runs them through an ordered list
// of ranking stages, returning the first non-empty result set.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/franz/pbs-search/internal/store"
	"github.com/franz/pbs-search/internal/util"
)

const (
	DefaultLimit = 20
	MaxLimit     = 200
)

// Params is a search request as a caller sends it
type Params struct {
	Q        string
	Schedule string // "" means the latest schedule
	Limit    int
}

// Query is what each stage receives
type Query struct {
	Raw        string
	Normalized string
	Terms      []string
	Schedule   string
	Limit      int
}

// Result is one ranked document. Score is only comparable within one
// response.
type Result struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Snippet         string  `json:"snippet"`
	ScheduleCode    string  `json:"scheduleCode"`
	PbsCode         string  `json:"pbsCode"`
	ResCode         string  `json:"resCode"`
	DrugName        string  `json:"drugName"`
	BrandName       string  `json:"brandName,omitempty"`
	Formulation     string  `json:"formulation,omitempty"`
	ProgramCode     string  `json:"programCode,omitempty"`
	HospitalType    string  `json:"hospitalType,omitempty"`
	AuthorityMethod string  `json:"authorityMethod,omitempty"`
	TreatmentPhase  string  `json:"treatmentPhase,omitempty"`
	StreamlinedCode string  `json:"streamlinedCode,omitempty"`
	Score           float64 `json:"score"`
}

func newResult(d *store.Doc, snippet string, score float64) Result {
	return Result{
		ID:              d.ID,
		Title:           d.Title,
		Snippet:         snippet,
		ScheduleCode:    d.ScheduleCode,
		PbsCode:         d.PbsCode,
		ResCode:         d.ResCode,
		DrugName:        d.DrugName,
		BrandName:       d.BrandName,
		Formulation:     d.Formulation,
		ProgramCode:     d.ProgramCode,
		HospitalType:    d.HospitalType,
		AuthorityMethod: d.AuthorityMethod,
		TreatmentPhase:  d.TreatmentPhase,
		StreamlinedCode: d.StreamlinedCode,
		Score:           score,
	}
}

// Response carries the results and which stage produced them
type Response struct {
	Query    string   `json:"query"`
	Schedule string   `json:"schedule,omitempty"`
	Stage    string   `json:"stage,omitempty"`
	Results  []Result `json:"results"`
}

// ScheduleSource resolves the implicit schedule filter
type ScheduleSource interface {
	LatestSchedule(ctx context.Context) (*store.Schedule, error)
}

// StageObserver is told how each attempted stage went
type StageObserver func(stage string, results int, elapsed time.Duration, err error)

// Engine runs stages in order
type Engine struct {
	schedules    ScheduleSource
	stages       []Stage
	defaultLimit int
	maxLimit     int
	observe      StageObserver
}

// Option configures an Engine
type Option func(*Engine)

// WithLimits overrides the default and maximum result counts
func WithLimits(def, maxLimit int) Option {
	return func(e *Engine) {
		if def > 0 {
			e.defaultLimit = def
		}
		if maxLimit > 0 {
			e.maxLimit = maxLimit
		}
	}
}

// WithObserver registers a callback run after every attempted stage
func WithObserver(fn StageObserver) Option {
	return func(e *Engine) { e.observe = fn }
}

// New builds an engine over the given stages
func New(schedules ScheduleSource, stages []Stage, opts ...Option) *Engine {
	e := &Engine{
		schedules:    schedules,
		stages:       stages,
		defaultLimit: DefaultLimit,
		maxLimit:     MaxLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stages lists the stage names in order
func (e *Engine) Stages() []string {
	names := make([]string, len(e.stages))
	for i, s := range e.stages {
		names[i] = s.Name()
	}
	return names
}

// Search normalises p.Q and returns the first stage with results. A blank
// query yields an empty response without touching any backend.
func (e *Engine) Search(ctx context.Context, p Params) (*Response, error) {
	resp := &Response{Query: p.Q, Results: []Result{}}

	normalized := NormalizeQuery(p.Q)
	if normalized == "" {
		return resp, nil
	}

	schedule := p.Schedule
	if schedule == "" && e.schedules != nil {
		latest, err := e.schedules.LatestSchedule(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve latest schedule: %w", err)
		}
		if latest != nil {
			schedule = latest.Code
		}
	}
	resp.Schedule = schedule

	q := Query{
		Raw:        p.Q,
		Normalized: normalized,
		Terms:      PrefixTerms(normalized),
		Schedule:   schedule,
		Limit:      e.clampLimit(p.Limit),
	}

	for _, stage := range e.stages {
		start := time.Now()
		results, err := stage.Search(ctx, q)
		if e.observe != nil {
			e.observe(stage.Name(), len(results), time.Since(start), err)
		}
		if err != nil {
			return nil, fmt.Errorf("%s search failed: %w", stage.Name(), err)
		}
		if len(results) > 0 {
			util.DebugLog("Query %q answered by %s stage (%d results)", normalized, stage.Name(), len(results))
			resp.Stage = stage.Name()
			resp.Results = results
			return resp, nil
		}
	}

	return resp, nil
}

func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 {
		limit = e.defaultLimit
	}
	return min(limit, e.maxLimit)
}
