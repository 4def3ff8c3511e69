package schedule

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/franz/pbs-search/internal/util"
)

// Download fetches the archive at url. Transient failures (network
// errors, 429, 5xx) are retried with backoff. progress, when non-nil,
// receives a copy of every byte read.
func (r *Resolver) Download(ctx context.Context, url string, progress io.Writer) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DownloadTimeout)
	defer cancel()

	data, err := util.RetryWithBackoff(ctx, util.DownloadRetryConfig(), func() ([]byte, error) {
		return r.fetch(ctx, url, progress)
	}, "download "+url)
	if err != nil {
		return nil, fmt.Errorf("failed to download schedule %s: %w", url, err)
	}

	util.InfoLog("Downloaded schedule archive (%s)", humanize.Bytes(uint64(len(data))))
	return data, nil
}

func (r *Resolver) fetch(ctx context.Context, url string, progress io.Writer) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &util.StatusError{Method: http.MethodGet, URL: url, StatusCode: resp.StatusCode}
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}

	var w io.Writer = &buf
	if progress != nil {
		w = io.MultiWriter(&buf, progress)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return buf.Bytes(), nil
}
