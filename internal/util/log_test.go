package util

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLogOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetJSON(true)
	SetLogLevel(LevelInfo)
	defer func() {
		SetJSON(false)
		SetOutput(nil)
	}()

	DebugLog("hidden %d", 1)
	InfoLog("resolved schedule %s", "2024-07")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line (debug filtered), got %d: %q", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["message"] != "resolved schedule 2024-07" {
		t.Errorf("unexpected message: %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("unexpected level: %v", entry["level"])
	}
	if entry["service"] != "pbs" {
		t.Errorf("unexpected service: %v", entry["service"])
	}
}

func TestQuietSuppressesWarnings(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetJSON(true)
	SetQuiet(true)
	defer func() {
		SetLogLevel(LevelInfo)
		SetJSON(false)
		SetOutput(nil)
	}()

	if !IsQuiet() {
		t.Fatal("expected quiet mode")
	}

	WarnLog("probe failed")
	ErrorLog("ingest failed")

	out := buf.String()
	if strings.Contains(out, "probe failed") {
		t.Error("warning should be suppressed in quiet mode")
	}
	if !strings.Contains(out, "ingest failed") {
		t.Error("errors should still be logged in quiet mode")
	}
}
