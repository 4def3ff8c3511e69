package schedule

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/franz/pbs-search/internal/util"
)

var dateTokenPattern = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)

// scrape reads the downloads page and returns the first archive link
// carrying the marker
func (r *Resolver) scrape(ctx context.Context) (*Resolved, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.DownloadsPage, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch downloads page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &util.StatusError{Method: http.MethodGet, URL: r.cfg.DownloadsPage, StatusCode: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse downloads page: %w", err)
	}

	pageURL, err := url.Parse(r.cfg.DownloadsPage)
	if err != nil {
		return nil, fmt.Errorf("invalid downloads page URL: %w", err)
	}

	return FindArchiveLink(doc, pageURL, r.cfg.Marker)
}

// FindArchiveLink picks the first anchor whose text, title or href
// contains marker (case-insensitive) and whose href carries a
// YYYY-MM-DD token. The schedule is the first day of that month.
func FindArchiveLink(doc *goquery.Document, page *url.URL, marker string) (*Resolved, error) {
	needle := strings.ToLower(marker)

	var found *Resolved
	var lastErr error

	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		title, _ := a.Attr("title")

		haystack := strings.ToLower(a.Text() + " " + title + " " + href)
		if !strings.Contains(haystack, needle) {
			return true
		}

		resolved, err := resolveHref(page, href)
		if err != nil {
			lastErr = err
			return true
		}
		found = resolved
		return false
	})

	if found != nil {
		return found, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("no link containing %q on %s", marker, page)
}

func resolveHref(page *url.URL, href string) (*Resolved, error) {
	// The publisher links "../downloads/..." from nested pages
	href = strings.Replace(strings.TrimSpace(href), "/../", "/", 1)

	ref, err := url.Parse(href)
	if err != nil {
		return nil, fmt.Errorf("invalid href %q: %w", href, err)
	}

	m := dateTokenPattern.FindStringSubmatch(ref.Path)
	if m == nil {
		return nil, fmt.Errorf("href %q has no YYYY-MM-DD token", href)
	}

	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("href %q has invalid month %q", href, m[2])
	}

	effective := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return &Resolved{
		ScheduleCode:  Code(effective),
		EffectiveDate: effective,
		URL:           page.ResolveReference(ref).String(),
	}, nil
}
