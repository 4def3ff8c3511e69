package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test-store.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSchedule(code string) *Schedule {
	effective, _ := time.Parse("2006-01", code)
	return &Schedule{
		Code:          code,
		EffectiveDate: effective,
		SourceURL:     "https://example.org/" + code + ".zip",
	}
}

func testDoc(code, drug, phase, body string) *Doc {
	key := code + "|r1|" + drug + "|" + phase
	title := drug
	if phase != "" {
		title = drug + " — " + phase
	}
	return &Doc{
		ID:             "id-" + key,
		ScheduleCode:   code,
		Key:            key,
		PbsCode:        "1234A",
		ResCode:        "r1",
		DrugName:       drug,
		TreatmentPhase: phase,
		Title:          title,
		Body:           body,
		SourceJSON:     []byte(`{"items":[]}`),
	}
}

func TestStoreOpenAndMigrate(t *testing.T) {
	store := openTestStore(t)

	// Verify schema version
	version, err := store.getSchemaVersion()
	if err != nil {
		t.Fatalf("failed to get schema version: %v", err)
	}

	if version != currentSchemaVersion {
		t.Errorf("expected schema version %d, got %d", currentSchemaVersion, version)
	}

	// Verify tables exist
	tables := []string{"pbs_schedule", "pbs_doc", "pbs_doc_fts", "ingest_runs", "schema_version"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}

	for _, trigger := range []string{"pbs_doc_ai", "pbs_doc_ad", "pbs_doc_au"} {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='trigger' AND name=?", trigger).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query trigger %s: %v", trigger, err)
		}
		if count != 1 {
			t.Errorf("expected trigger %s to exist", trigger)
		}
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	s.Close()

	s, err = OpenWithOptions(path, &OpenOptions{BulkLoad: true})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s.Close()

	var rows int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&rows); err != nil {
		t.Fatalf("failed to count versions: %v", err)
	}
	if rows != currentSchemaVersion {
		t.Errorf("expected %d version rows after reopen, got %d", currentSchemaVersion, rows)
	}
}

func TestReplaceScheduleIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	docs := []*Doc{
		testDoc("2024-07", "Adalimumab", "Initial treatment", "Restriction: severe rheumatoid arthritis"),
		testDoc("2024-07", "Etanercept", "", "Restriction: ankylosing spondylitis"),
	}

	for i := 0; i < 2; i++ {
		n, err := store.ReplaceSchedule(ctx, testSchedule("2024-07"), docs)
		if err != nil {
			t.Fatalf("run %d: ReplaceSchedule failed: %v", i, err)
		}
		if n != 2 {
			t.Errorf("run %d: expected 2 docs persisted, got %d", i, n)
		}
	}

	count, err := store.CountDocs(ctx, "2024-07")
	if err != nil {
		t.Fatalf("CountDocs failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 docs after re-ingest, got %d", count)
	}

	got, err := store.GetDoc(ctx, docs[0].ID)
	if err != nil {
		t.Fatalf("GetDoc failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected doc, got nil")
	}
	if got.Title != docs[0].Title || got.Body != docs[0].Body || got.TreatmentPhase != "Initial treatment" {
		t.Errorf("unexpected doc after re-ingest: %+v", got)
	}
	if string(got.SourceJSON) != `{"items":[]}` {
		t.Errorf("unexpected source json %s", got.SourceJSON)
	}

	// Absent optional attributes come back as ""
	other, err := store.GetDoc(ctx, docs[1].ID)
	if err != nil || other == nil {
		t.Fatalf("GetDoc failed: %v", err)
	}
	if other.TreatmentPhase != "" || other.BrandName != "" {
		t.Errorf("expected empty optional fields, got %+v", other)
	}
}

func TestReplaceScheduleDropsOldDocuments(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := []*Doc{
		testDoc("2024-07", "Adalimumab", "", "a"),
		testDoc("2024-07", "Etanercept", "", "b"),
		testDoc("2024-07", "Infliximab", "", "c"),
	}
	if _, err := store.ReplaceSchedule(ctx, testSchedule("2024-07"), old); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if _, err := store.ReplaceSchedule(ctx, testSchedule("2024-06"), []*Doc{testDoc("2024-06", "Adalimumab", "", "a")}); err != nil {
		t.Fatalf("other schedule ingest failed: %v", err)
	}

	if _, err := store.ReplaceSchedule(ctx, testSchedule("2024-07"), old[:1]); err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}

	docs, err := store.DocsBySchedule(ctx, "2024-07")
	if err != nil {
		t.Fatalf("DocsBySchedule failed: %v", err)
	}
	if len(docs) != 1 || docs[0].DrugName != "Adalimumab" {
		t.Errorf("expected only the new document set, got %d docs", len(docs))
	}

	if n, _ := store.CountDocs(ctx, "2024-06"); n != 1 {
		t.Errorf("other schedule should be untouched, got %d docs", n)
	}
	if n, _ := store.CountDocs(ctx, ""); n != 2 {
		t.Errorf("expected 2 docs in total, got %d", n)
	}
}

func TestReplaceScheduleRollsBackOnFailure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.ReplaceSchedule(ctx, testSchedule("2024-07"), []*Doc{testDoc("2024-07", "Adalimumab", "", "a")}); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}

	bad := testDoc("2024-07", "Etanercept", "", "b")
	bad.Title = ""

	changed := testSchedule("2024-07")
	changed.SourceURL = "https://example.org/changed.zip"

	_, err := store.ReplaceSchedule(ctx, changed, []*Doc{testDoc("2024-07", "Infliximab", "", "c"), bad})
	if err == nil {
		t.Fatal("expected an error for a document with an empty title")
	}

	docs, err := store.DocsBySchedule(ctx, "2024-07")
	if err != nil {
		t.Fatalf("DocsBySchedule failed: %v", err)
	}
	if len(docs) != 1 || docs[0].DrugName != "Adalimumab" {
		t.Errorf("failed ingest should leave the previous document set, got %d docs", len(docs))
	}

	latest, err := store.LatestSchedule(ctx)
	if err != nil {
		t.Fatalf("LatestSchedule failed: %v", err)
	}
	if latest.SourceURL != "https://example.org/2024-07.zip" {
		t.Errorf("schedule row should be rolled back, got %s", latest.SourceURL)
	}
}

func TestReplaceScheduleChunks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const total = insertChunkSize*2 + 7
	docs := make([]*Doc, total)
	for i := range docs {
		docs[i] = testDoc("2024-07", fmt.Sprintf("Drug %04d", i), "", "body")
	}

	n, err := store.ReplaceSchedule(ctx, testSchedule("2024-07"), docs)
	if err != nil {
		t.Fatalf("ReplaceSchedule failed: %v", err)
	}
	if n != total {
		t.Errorf("expected %d persisted, got %d", total, n)
	}
	if count, _ := store.CountDocs(ctx, "2024-07"); count != total {
		t.Errorf("expected %d rows, got %d", total, count)
	}
}

func TestSchedulesOrderedByEffectiveDate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	latest, err := store.LatestSchedule(ctx)
	if err != nil {
		t.Fatalf("LatestSchedule failed: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected no schedule in an empty store, got %+v", latest)
	}

	for _, code := range []string{"2024-05", "2024-07", "2023-12"} {
		if _, err := store.ReplaceSchedule(ctx, testSchedule(code), nil); err != nil {
			t.Fatalf("ReplaceSchedule(%s) failed: %v", code, err)
		}
	}

	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules failed: %v", err)
	}
	want := []string{"2024-07", "2024-05", "2023-12"}
	if len(schedules) != len(want) {
		t.Fatalf("expected %d schedules, got %d", len(want), len(schedules))
	}
	for i, code := range want {
		if schedules[i].Code != code {
			t.Errorf("schedule %d = %s, want %s", i, schedules[i].Code, code)
		}
	}

	latest, err = store.LatestSchedule(ctx)
	if err != nil {
		t.Fatalf("LatestSchedule failed: %v", err)
	}
	if latest.Code != "2024-07" {
		t.Errorf("latest = %s, want 2024-07", latest.Code)
	}
	if latest.IngestedAt.IsZero() {
		t.Error("expected ingested_at to be set")
	}
	if !latest.EffectiveDate.Equal(time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected effective date %v", latest.EffectiveDate)
	}
}

func TestGetDocMissing(t *testing.T) {
	store := openTestStore(t)

	doc, err := store.GetDoc(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetDoc failed: %v", err)
	}
	if doc != nil {
		t.Errorf("expected nil for a missing doc, got %+v", doc)
	}
}

func seedSearchDocs(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()

	july := []*Doc{
		testDoc("2024-07", "Adalimumab", "Initial treatment",
			"Drug: Adalimumab\nRestriction: Severe active rheumatoid arthritis in a patient with flares"),
		testDoc("2024-07", "Tocilizumab", "Continuing treatment",
			"Drug: Tocilizumab\nRestriction: Giant cell arteritis"),
	}
	june := []*Doc{
		testDoc("2024-06", "Adalimumab", "Initial treatment",
			"Drug: Adalimumab\nRestriction: Severe active rheumatoid arthritis"),
	}

	if _, err := store.ReplaceSchedule(ctx, testSchedule("2024-07"), july); err != nil {
		t.Fatalf("seed 2024-07 failed: %v", err)
	}
	if _, err := store.ReplaceSchedule(ctx, testSchedule("2024-06"), june); err != nil {
		t.Fatalf("seed 2024-06 failed: %v", err)
	}
}

func TestFullTextSearch(t *testing.T) {
	store := openTestStore(t)
	seedSearchDocs(t, store)
	ctx := context.Background()

	hits, err := store.FullTextSearch(ctx, TextQuery{
		Query:            "rheumatoid arthritis",
		Schedule:         "2024-07",
		Limit:            10,
		TextWeight:       0.7,
		SimilarityWeight: 0.3,
	})
	if err != nil {
		t.Fatalf("FullTextSearch failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit in 2024-07, got %d", len(hits))
	}

	hit := hits[0]
	if hit.Doc.DrugName != "Adalimumab" || hit.Doc.ScheduleCode != "2024-07" {
		t.Errorf("unexpected hit %+v", hit.Doc)
	}
	if hit.Text <= 0 || hit.Text >= 1 {
		t.Errorf("text relevance should be in (0,1), got %v", hit.Text)
	}
	if math.Abs(hit.Score-(hit.Text*0.7+hit.Similarity*0.3)) > 1e-9 {
		t.Errorf("score %v is not the weighted blend", hit.Score)
	}

	// No schedule filter searches everything
	hits, err = store.FullTextSearch(ctx, TextQuery{Query: "rheumatoid arthritis", Limit: 10, TextWeight: 0.7, SimilarityWeight: 0.3})
	if err != nil {
		t.Fatalf("FullTextSearch failed: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("expected 2 hits across schedules, got %d", len(hits))
	}
}

func TestFullTextSearchStemsAndQuotes(t *testing.T) {
	store := openTestStore(t)
	seedSearchDocs(t, store)
	ctx := context.Background()

	// porter stemming: "flare" matches "flares"
	hits, err := store.FullTextSearch(ctx, TextQuery{Query: `flare`, Schedule: "2024-07", Limit: 10, TextWeight: 1})
	if err != nil {
		t.Fatalf("FullTextSearch failed: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("expected stemmed match, got %d hits", len(hits))
	}

	// FTS5 syntax characters in user input must not break the query
	hits, err = store.FullTextSearch(ctx, TextQuery{Query: `arteritis" OR -(`, Limit: 10, TextWeight: 1})
	if err != nil {
		t.Fatalf("FullTextSearch with syntax characters failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits for an ANDed phrase set, got %d", len(hits))
	}
}

func TestPrefixSearch(t *testing.T) {
	store := openTestStore(t)
	seedSearchDocs(t, store)

	hits, err := store.FullTextSearch(context.Background(), TextQuery{
		Terms:            []string{"toci", "arter"},
		Prefix:           true,
		Query:            "toci arter",
		Schedule:         "2024-07",
		Limit:            10,
		TextWeight:       0.6,
		SimilarityWeight: 0.4,
	})
	if err != nil {
		t.Fatalf("prefix search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Doc.DrugName != "Tocilizumab" {
		t.Fatalf("expected the tocilizumab doc, got %d hits", len(hits))
	}
}

func TestFuzzySearch(t *testing.T) {
	store := openTestStore(t)
	seedSearchDocs(t, store)

	hits, err := store.FuzzySearch(context.Background(), FuzzyQuery{
		Query:    "adalimumub",
		Schedule: "2024-07",
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("FuzzySearch failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected a fuzzy match for a misspelt drug name")
	}
	if hits[0].Doc.DrugName != "Adalimumab" {
		t.Errorf("best fuzzy hit = %s, want Adalimumab", hits[0].Doc.DrugName)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Similarity > hits[i-1].Similarity {
			t.Error("fuzzy hits should be ordered by similarity")
		}
	}
}

func TestSimilaritySQLFunction(t *testing.T) {
	store := openTestStore(t)

	var got float64
	if err := store.db.QueryRow("SELECT similarity('word', 'words')").Scan(&got); err != nil {
		t.Fatalf("similarity query failed: %v", err)
	}
	if math.Abs(got-4.0/7.0) > 1e-9 {
		t.Errorf("similarity = %v, want 4/7", got)
	}

	if err := store.db.QueryRow("SELECT similarity(NULL, 'words')").Scan(&got); err != nil {
		t.Fatalf("similarity with NULL failed: %v", err)
	}
	if got != 0 {
		t.Errorf("similarity with NULL = %v, want 0", got)
	}
}

func TestIngestRuns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.StartRun(ctx, "cli")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	second, err := store.StartRun(ctx, "api")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	if err := store.FinishRun(ctx, &Run{ID: first, ScheduleCode: "2024-07", Status: RunSucceeded, Docs: 42, Indexed: true}); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if err := store.FinishRun(ctx, &Run{ID: second, Status: RunFailed, Error: "unable to resolve"}); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	// Newest first
	if runs[0].ID != second || runs[0].Status != RunFailed || runs[0].Error != "unable to resolve" {
		t.Errorf("unexpected newest run %+v", runs[0])
	}
	if runs[1].Docs != 42 || !runs[1].Indexed || runs[1].ScheduleCode != "2024-07" {
		t.Errorf("unexpected oldest run %+v", runs[1])
	}
	if runs[1].FinishedAt.IsZero() || runs[1].StartedAt.IsZero() {
		t.Error("expected start and finish times")
	}
}

func TestCheckIntegrity(t *testing.T) {
	store := openTestStore(t)
	seedSearchDocs(t, store)

	if err := store.CheckIntegrity(context.Background()); err != nil {
		t.Errorf("expected a healthy database, got %v", err)
	}
}
