package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/franz/pbs-search/internal/store"
)

func TestCheckSQLite(t *testing.T) {
	result := checkSQLite()

	if result.error {
		t.Errorf("SQLite check failed: %s", result.message)
	}

	if result.message == "" {
		t.Error("expected version information in message")
	}
}

func TestCheckDatabase_NonExistent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nonexistent.db")

	result := checkDatabase(context.Background(), dbPath)

	// Should not error - database will be created on first run
	if result.error {
		t.Errorf("non-existent database check should not error: %s", result.message)
	}

	if !strings.Contains(result.message, "will be created") {
		t.Errorf("expected message about database creation, got %q", result.message)
	}
}

func TestCheckDatabase_Empty(t *testing.T) {
	result := checkDatabase(context.Background(), "")

	if !result.warning {
		t.Error("expected warning for empty database path")
	}
}

func TestCheckDatabase_NoSchedules(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	db.Close()

	result := checkDatabase(context.Background(), dbPath)

	if result.error {
		t.Errorf("database check failed: %s", result.message)
	}
	if !result.warning {
		t.Error("expected warning when no schedules are ingested")
	}
}

func TestCheckDatabase_Existing(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	sched := &store.Schedule{
		Code:          "2024-09",
		EffectiveDate: time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC),
		SourceURL:     "https://example.test/2024-09.zip",
	}
	docs := []*store.Doc{{
		ID:           "doc-1",
		ScheduleCode: "2024-09",
		Key:          "2024-09|r1|adalimumab||",
		PbsCode:      "1234A",
		ResCode:      "r1",
		DrugName:     "Adalimumab",
		Title:        "Adalimumab",
		Body:         "Drug: Adalimumab",
	}}
	if _, err := db.ReplaceSchedule(context.Background(), sched, docs); err != nil {
		t.Fatalf("failed to insert test schedule: %v", err)
	}
	db.Close()

	result := checkDatabase(context.Background(), dbPath)

	if result.error || result.warning {
		t.Errorf("database check should pass: %s", result.message)
	}

	if !strings.Contains(result.message, "1 docs") || !strings.Contains(result.message, "2024-09") {
		t.Errorf("expected doc count and schedule in message, got %q", result.message)
	}
}

func TestCheckDatabase_Directory(t *testing.T) {
	result := checkDatabase(context.Background(), t.TempDir())

	if !result.error {
		t.Error("expected error when database path is a directory")
	}
}

func TestCheckDatabase_Corrupt(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "corrupt.db")
	if err := os.WriteFile(dbPath, []byte("this is not a database file at all, not even close"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	result := checkDatabase(context.Background(), dbPath)

	if !result.error {
		t.Errorf("expected error for corrupt database, got %q", result.message)
	}
}

func TestCheckDownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "pbs-test" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := checkDownloads(context.Background(), srv.URL, "pbs-test")
	if result.error || result.warning {
		t.Errorf("downloads check should pass: %s", result.message)
	}
}

func TestCheckDownloads_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	result := checkDownloads(context.Background(), srv.URL, "pbs-test")
	if !result.warning {
		t.Error("expected warning for a 5xx downloads site")
	}
}

func TestCheckDownloads_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	result := checkDownloads(context.Background(), url, "pbs-test")
	if !result.warning {
		t.Error("expected warning for an unreachable downloads site")
	}
}

func TestCheckAdminToken(t *testing.T) {
	if r := checkAdminToken(""); !r.warning {
		t.Error("expected warning for missing admin token")
	}
	if r := checkAdminToken("s3cret"); r.warning || r.error {
		t.Errorf("unexpected result for configured token: %+v", r)
	}
}

func TestPrintChecks(t *testing.T) {
	if err := printChecks([]checkResult{{name: "a"}, {name: "b", warning: true}}); err != nil {
		t.Errorf("warnings should not fail diagnostics: %v", err)
	}
	if err := printChecks([]checkResult{{name: "a", error: true}}); err == nil {
		t.Error("expected failure when a check errors")
	}
}
