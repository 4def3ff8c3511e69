package store

import (
	"context"
	"encoding/json"
	"time"
)

// DateLayout is how effective dates are stored and rendered
const DateLayout = "2006-01-02"

// Schedule is one monthly publication
type Schedule struct {
	Code          string    `json:"scheduleCode"`
	EffectiveDate time.Time `json:"effectiveDate"`
	SourceURL     string    `json:"sourceUrl"`
	IngestedAt    time.Time `json:"ingestedAt"`
}

// Doc is one composed, searchable document. Optional attributes are ""
// when absent and stored as NULL.
type Doc struct {
	ID              string          `json:"id"`
	ScheduleCode    string          `json:"scheduleCode"`
	Key             string          `json:"-"`
	PbsCode         string          `json:"pbsCode"`
	ResCode         string          `json:"resCode"`
	DrugName        string          `json:"drugName"`
	BrandName       string          `json:"brandName,omitempty"`
	Formulation     string          `json:"formulation,omitempty"`
	ProgramCode     string          `json:"programCode,omitempty"`
	HospitalType    string          `json:"hospitalType,omitempty"`
	AuthorityMethod string          `json:"authorityMethod,omitempty"`
	TreatmentPhase  string          `json:"treatmentPhase,omitempty"`
	StreamlinedCode string          `json:"streamlinedCode,omitempty"`
	Title           string          `json:"title"`
	Body            string          `json:"body"`
	SourceJSON      json.RawMessage `json:"sourceJson,omitempty"`
}

// Hit is a document matched by a relational search with its scores
type Hit struct {
	Doc        *Doc
	Text       float64 // normalised full-text relevance, 0 for fuzzy hits
	Similarity float64 // best trigram similarity against title or body
	Score      float64 // weighted blend used for ordering
}

// TextQuery drives FullTextSearch
type TextQuery struct {
	Query    string   // normalised query text; also the similarity probe
	Terms    []string // sanitised tokens, used when Prefix is set
	Prefix   bool     // match Terms as ANDed prefixes instead of Query
	Schedule string   // "" searches every schedule
	Limit    int

	TextWeight       float64
	SimilarityWeight float64
}

// FuzzyQuery drives FuzzySearch
type FuzzyQuery struct {
	Query    string
	Schedule string
	Limit    int
}

// Run statuses
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one ingest attempt recorded in the ledger
type Run struct {
	ID           int64     `json:"id"`
	Origin       string    `json:"origin"`
	ScheduleCode string    `json:"scheduleCode,omitempty"`
	Status       string    `json:"status"`
	Docs         int       `json:"docs"`
	Indexed      bool      `json:"indexed"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// Repository is the relational store used by ingest and search.
// Store (SQLite) and postgres.Store implement it.
type Repository interface {
	// ReplaceSchedule atomically swaps a schedule's document set
	ReplaceSchedule(ctx context.Context, schedule *Schedule, docs []*Doc) (int, error)

	GetDoc(ctx context.Context, id string) (*Doc, error)
	DocsBySchedule(ctx context.Context, code string) ([]*Doc, error)
	CountDocs(ctx context.Context, code string) (int, error)

	ListSchedules(ctx context.Context) ([]*Schedule, error)
	LatestSchedule(ctx context.Context) (*Schedule, error)

	FullTextSearch(ctx context.Context, q TextQuery) ([]*Hit, error)
	FuzzySearch(ctx context.Context, q FuzzyQuery) ([]*Hit, error)

	StartRun(ctx context.Context, origin string) (int64, error)
	FinishRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	CheckIntegrity(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var _ Repository = (*Store)(nil)
