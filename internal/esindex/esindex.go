// Package esindex writes schedule documents to Elasticsearch and queries
// them through a stable alias.
//
// Every ingest writes a fresh generation index named
// <base>-<schedule>-<timestamp>. Once the bulk write has succeeded and been
// refreshed, the alias <base>-current is repointed in a single _aliases call
// so readers see either the old generation or the new one. Removals carry
// must_exist, so a swap computed from a stale alias read is rejected by the
// cluster instead of leaving the alias on two generations.
package esindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/franz/pbs-search/internal/store"
	"github.com/franz/pbs-search/internal/util"
)

const (
	// DefaultIndexBase is used when no base name is configured
	DefaultIndexBase = "pbs-docs"

	generationLayout = "20060102150405"
	highlightSize    = 280

	// DefaultBulkDocs and DefaultBulkBytes bound a single _bulk request
	DefaultBulkDocs  = 1000
	DefaultBulkBytes = 10 << 20

	maxNameAttempts = 5
)

var errIndexExists = errors.New("index already exists")

const mapping = `{
  "mappings": {
    "properties": {
      "id":              {"type": "keyword"},
      "title":           {"type": "text"},
      "body":            {"type": "text"},
      "pbsCode":         {"type": "keyword"},
      "resCode":         {"type": "keyword"},
      "scheduleCode":    {"type": "keyword"},
      "drugName":        {"type": "text", "fields": {"keyword": {"type": "keyword"}}},
      "brandName":       {"type": "text", "fields": {"keyword": {"type": "keyword"}}},
      "formulation":     {"type": "text"},
      "programCode":     {"type": "keyword"},
      "hospitalType":    {"type": "keyword"},
      "authorityMethod": {"type": "keyword"},
      "treatmentPhase":  {"type": "text"},
      "streamlinedCode": {"type": "keyword"}
    }
  }
}`

// Config holds connection settings
type Config struct {
	URL       string
	APIKey    string
	Username  string
	Password  string
	IndexBase string
	Transport http.RoundTripper
}

// Indexer owns the Elasticsearch client. A nil *Indexer is valid and
// behaves as an unconfigured engine.
type Indexer struct {
	es        *elasticsearch.Client
	base      string
	now       func() time.Time
	bulkDocs  int
	bulkBytes int

	// aliasMu serialises read-check-update of the alias within a process
	aliasMu sync.Mutex
}

// New returns nil, nil when no URL is configured
func New(cfg Config) (*Indexer, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	base := cfg.IndexBase
	if base == "" {
		base = DefaultIndexBase
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		APIKey:    cfg.APIKey,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &Indexer{
		es:        es,
		base:      base,
		now:       time.Now,
		bulkDocs:  DefaultBulkDocs,
		bulkBytes: DefaultBulkBytes,
	}, nil
}

// Alias is the stable name queries target
func (ix *Indexer) Alias() string {
	return ix.base + "-current"
}

// IndexName is the generation index for a schedule written at t, with
// millisecond precision
func (ix *Indexer) IndexName(code string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s-%s-%s%03d", ix.base, strings.ToLower(code),
		t.Format(generationLayout), t.Nanosecond()/int(time.Millisecond))
}

// scheduleOf recovers the schedule code from a generation index name
func (ix *Indexer) scheduleOf(index string) string {
	rest := strings.TrimPrefix(index, ix.base+"-")
	if rest == index || len(rest) < len("2006-01") {
		return ""
	}
	return rest[:len("2006-01")]
}

// Reachable reports whether the cluster answers a ping
func (ix *Indexer) Reachable(ctx context.Context) bool {
	if ix == nil {
		return false
	}
	res, err := ix.es.Ping(ix.es.Ping.WithContext(ctx))
	if err != nil {
		return false
	}
	defer drain(res)
	return !res.IsError()
}

// IndexSchedule writes docs into a new generation and repoints the alias.
// It returns false with no error when the cluster is unconfigured or
// unreachable. A failed write leaves the alias where it was.
func (ix *Indexer) IndexSchedule(ctx context.Context, code string, docs []*store.Doc) (bool, error) {
	if ix == nil {
		return false, nil
	}
	if !ix.Reachable(ctx) {
		util.WarnLog("Elasticsearch unreachable, skipping index for %s", code)
		return false, nil
	}

	index, err := ix.createGeneration(ctx, code)
	if err != nil {
		return false, err
	}

	if err := ix.bulk(ctx, index, docs); err != nil {
		ix.deleteIndex(ctx, index)
		return false, err
	}

	moved, err := ix.swapAlias(ctx, code, index)
	if err != nil {
		ix.deleteIndex(ctx, index)
		return false, err
	}
	if moved {
		util.InfoLog("Alias %s now targets %s (%d docs)", ix.Alias(), index, len(docs))
	} else {
		util.InfoLog("Indexed %d docs into %s; alias kept on a newer schedule", len(docs), index)
	}

	ix.pruneGenerations(ctx, code, index)
	return true, nil
}

// createGeneration creates a new generation index for code. A name that is
// already taken steps the timestamp forward by a millisecond.
func (ix *Indexer) createGeneration(ctx context.Context, code string) (string, error) {
	t := ix.now()
	for attempt := 1; ; attempt++ {
		index := ix.IndexName(code, t)
		err := ix.createIndex(ctx, index)
		if err == nil || !errors.Is(err, errIndexExists) || attempt == maxNameAttempts {
			return index, err
		}
		util.DebugLog("Generation %s exists, retrying with a later name", index)
		t = t.Add(time.Millisecond)
	}
}

func (ix *Indexer) createIndex(ctx context.Context, index string) error {
	res, err := ix.es.Indices.Create(index,
		ix.es.Indices.Create.WithBody(strings.NewReader(mapping)),
		ix.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body := res.String()
		if strings.Contains(body, "resource_already_exists_exception") {
			return fmt.Errorf("failed to create index %s: %w", index, errIndexExists)
		}
		return fmt.Errorf("failed to create index %s: %s", index, body)
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// bulk writes docs in chunks bounded by document count and payload size,
// then refreshes the index once. Any rejected document fails the write.
func (ix *Indexer) bulk(ctx context.Context, index string, docs []*store.Doc) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	pending, sent := 0, 0
	for i, doc := range docs {
		meta := map[string]map[string]string{"index": {"_id": doc.ID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		src := *doc
		src.SourceJSON = nil
		if err := enc.Encode(&src); err != nil {
			return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
		}
		pending++

		if pending < ix.bulkDocs && buf.Len() < ix.bulkBytes && i < len(docs)-1 {
			continue
		}
		if err := ix.sendBulk(ctx, index, buf.Bytes(), pending); err != nil {
			return err
		}
		sent += pending
		util.DebugLog("Bulk wrote %d/%d documents to %s", sent, len(docs), index)
		buf.Reset()
		pending = 0
	}

	return ix.refresh(ctx, index)
}

func (ix *Indexer) sendBulk(ctx context.Context, index string, body []byte, n int) error {
	res, err := ix.es.Bulk(bytes.NewReader(body),
		ix.es.Bulk.WithIndex(index),
		ix.es.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("bulk write to %s failed: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk write to %s failed: %s", index, res.String())
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if !br.Errors {
		return nil
	}

	failed := 0
	var first string
	for _, item := range br.Items {
		for _, r := range item {
			if r.Error == nil {
				continue
			}
			if failed == 0 {
				first = fmt.Sprintf("%s: %s: %s", r.ID, r.Error.Type, r.Error.Reason)
			}
			failed++
		}
	}
	return fmt.Errorf("bulk write to %s rejected %d of %d documents (first: %s)", index, failed, n, first)
}

func (ix *Indexer) refresh(ctx context.Context, index string) error {
	res, err := ix.es.Indices.Refresh(
		ix.es.Indices.Refresh.WithIndex(index),
		ix.es.Indices.Refresh.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to refresh %s: %s", index, res.String())
	}
	return nil
}

// CurrentTargets lists the indices the alias points at
func (ix *Indexer) CurrentTargets(ctx context.Context) ([]string, error) {
	if ix == nil {
		return nil, nil
	}

	res, err := ix.es.Indices.GetAlias(
		ix.es.Indices.GetAlias.WithName(ix.Alias()),
		ix.es.Indices.GetAlias.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read alias %s: %w", ix.Alias(), err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("failed to read alias %s: %s", ix.Alias(), res.String())
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode alias response: %w", err)
	}

	targets := make([]string, 0, len(body))
	for name := range body {
		targets = append(targets, name)
	}
	sort.Strings(targets)
	return targets, nil
}

// CurrentTarget is the single index behind the alias, or "" if unset
func (ix *Indexer) CurrentTarget(ctx context.Context) (string, error) {
	targets, err := ix.CurrentTargets(ctx)
	if err != nil || len(targets) == 0 {
		return "", err
	}
	return targets[len(targets)-1], nil
}

// swapAlias points the alias at index unless it already targets a newer
// schedule. Removal of old targets and the add happen in one request, and
// the newer-schedule check is made under aliasMu.
func (ix *Indexer) swapAlias(ctx context.Context, code, index string) (bool, error) {
	ix.aliasMu.Lock()
	defer ix.aliasMu.Unlock()

	targets, err := ix.CurrentTargets(ctx)
	if err != nil {
		return false, err
	}

	for _, t := range targets {
		if ix.scheduleOf(t) > code {
			return false, nil
		}
	}

	type aliasAction map[string]map[string]interface{}
	actions := make([]aliasAction, 0, len(targets)+1)
	for _, t := range targets {
		actions = append(actions, aliasAction{"remove": {"index": t, "alias": ix.Alias(), "must_exist": true}})
	}
	actions = append(actions, aliasAction{"add": {"index": index, "alias": ix.Alias()}})

	body, err := json.Marshal(map[string]interface{}{"actions": actions})
	if err != nil {
		return false, err
	}

	res, err := ix.es.Indices.UpdateAliases(bytes.NewReader(body),
		ix.es.Indices.UpdateAliases.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update alias %s: %w", ix.Alias(), err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return false, fmt.Errorf("failed to update alias %s: %s", ix.Alias(), res.String())
	}
	return true, nil
}

// pruneGenerations drops older generations of the same schedule that the
// alias no longer references
func (ix *Indexer) pruneGenerations(ctx context.Context, code, keep string) {
	pattern := fmt.Sprintf("%s-%s-*", ix.base, strings.ToLower(code))
	res, err := ix.es.Indices.Get([]string{pattern}, ix.es.Indices.Get.WithContext(ctx))
	if err != nil {
		util.WarnLog("Could not list generations for %s: %v", code, err)
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		util.WarnLog("Could not list generations for %s: %s", code, res.String())
		return
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		util.WarnLog("Could not decode generations for %s: %v", code, err)
		return
	}

	live, err := ix.CurrentTargets(ctx)
	if err != nil {
		util.WarnLog("Could not read alias before pruning: %v", err)
		return
	}

	for name := range body {
		if name == keep || contains(live, name) {
			continue
		}
		ix.deleteIndex(ctx, name)
	}
}

func (ix *Indexer) deleteIndex(ctx context.Context, index string) {
	res, err := ix.es.Indices.Delete([]string{index}, ix.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		util.WarnLog("Failed to delete index %s: %v", index, err)
		return
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		util.WarnLog("Failed to delete index %s: %s", index, res.String())
		return
	}
	util.DebugLog("Deleted index %s", index)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// drain discards the rest of a response body so the connection is reused
func drain(res *esapi.Response) {
	_, _ = io.Copy(io.Discard, res.Body)
	res.Body.Close()
}
