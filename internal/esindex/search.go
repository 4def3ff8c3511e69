package esindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/franz/pbs-search/internal/store"
)

// Query is a search against the alias
type Query struct {
	Text     string
	Schedule string // "" searches every schedule behind the alias
	Limit    int
}

// Hit is one engine result. Highlight is the best body fragment, "" when
// the engine returned none.
type Hit struct {
	Doc       *store.Doc
	Highlight string
	Score     float64
}

var searchFields = []string{"title^2", "drugName^2", "brandName", "body", "treatmentPhase", "authorityMethod"}

func searchBody(q Query) map[string]interface{} {
	filter := []interface{}{}
	if q.Schedule != "" {
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{"scheduleCode": q.Schedule},
		})
	}

	return map[string]interface{}{
		"size": q.Limit,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{
						"multi_match": map[string]interface{}{
							"query":    q.Text,
							"fields":   searchFields,
							"type":     "best_fields",
							"operator": "and",
						},
					},
				},
				"filter": filter,
			},
		},
		"highlight": map[string]interface{}{
			"fields": map[string]interface{}{
				"body": map[string]interface{}{
					"fragment_size":       highlightSize,
					"number_of_fragments": 1,
				},
			},
		},
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID        string              `json:"_id"`
			Score     float64             `json:"_score"`
			Source    store.Doc           `json:"_source"`
			Highlight map[string][]string `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs a multi_match query against the alias
func (ix *Indexer) Search(ctx context.Context, q Query) ([]Hit, error) {
	if ix == nil {
		return nil, nil
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}

	body, err := json.Marshal(searchBody(q))
	if err != nil {
		return nil, err
	}

	res, err := ix.es.Search(
		ix.es.Search.WithContext(ctx),
		ix.es.Search.WithIndex(ix.Alias()),
		ix.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch search failed: %s", res.String())
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	hits := make([]Hit, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		doc := h.Source
		if doc.ID == "" {
			doc.ID = h.ID
		}
		hit := Hit{Doc: &doc, Score: h.Score}
		if frags := h.Highlight["body"]; len(frags) > 0 {
			hit.Highlight = frags[0]
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
