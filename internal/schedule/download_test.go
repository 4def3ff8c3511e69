package schedule

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/franz/pbs-search/internal/util"
)

func TestDownload(t *testing.T) {
	payload := []byte("PK\x03\x04 fake archive bytes")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "test-agent" {
			t.Errorf("unexpected user agent %q", ua)
		}
		w.Write(payload)
	}))
	defer ts.Close()

	r := New(Config{DownloadBase: ts.URL, UserAgent: "test-agent"})

	var progress bytes.Buffer
	data, err := r.Download(context.Background(), ts.URL+"/a.zip", &progress)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("unexpected body %q", data)
	}
	if progress.Len() != len(payload) {
		t.Errorf("progress saw %d bytes, want %d", progress.Len(), len(payload))
	}
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	r := New(Config{DownloadBase: ts.URL})
	data, err := r.Download(context.Background(), ts.URL+"/a.zip", nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if string(data) != "ok" {
		t.Errorf("unexpected body %q", data)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestDownloadNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	r := New(Config{DownloadBase: ts.URL})
	_, err := r.Download(context.Background(), ts.URL+"/missing.zip", nil)
	if err == nil {
		t.Fatal("expected an error for 404")
	}

	var statusErr *util.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected a 404 StatusError, got %v", err)
	}
	if !strings.Contains(err.Error(), "/missing.zip") {
		t.Errorf("error should name the URL: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestFindArchiveLink(t *testing.T) {
	page, _ := url.Parse("https://www.example.gov.au/info/browse/download")

	tests := []struct {
		name    string
		html    string
		wantURL string
		wantErr bool
	}{
		{
			name:    "marker in text",
			html:    `<a href="/downloads/2024/07/2024-07-01-PBS-API-CSV.zip">PBS API CSV files</a>`,
			wantURL: "https://www.example.gov.au/downloads/2024/07/2024-07-01-PBS-API-CSV.zip",
		},
		{
			name:    "marker in title, relative href",
			html:    `<a href="files/2024-06-01-bundle.zip" title="pbs-api-csv bundle">June</a>`,
			wantURL: "https://www.example.gov.au/info/browse/files/2024-06-01-bundle.zip",
		},
		{
			name:    "dot-dot segment cleaned",
			html:    `<a href="/info/../downloads/2024-05-01-PBS-API-CSV.zip">x</a>`,
			wantURL: "https://www.example.gov.au/info/downloads/2024-05-01-PBS-API-CSV.zip",
		},
		{
			name: "first matching anchor wins",
			html: `<a href="/a.pdf">report</a>
				<a href="/d/2024-04-01-PBS-API-CSV.zip">first</a>
				<a href="/d/2024-03-01-PBS-API-CSV.zip">second</a>`,
			wantURL: "https://www.example.gov.au/d/2024-04-01-PBS-API-CSV.zip",
		},
		{
			name:    "no date token",
			html:    `<a href="/latest-PBS-API-CSV.zip">latest</a>`,
			wantErr: true,
		},
		{
			name:    "no marker",
			html:    `<a href="/d/2024-04-01-other.zip">other</a>`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := goquery.NewDocumentFromReader(strings.NewReader(tt.html))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}

			got, err := FindArchiveLink(doc, page, DefaultMarker)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", got.URL, tt.wantURL)
			}
		})
	}
}
