package search

import (
	"context"

	"github.com/franz/pbs-search/internal/compose"
	"github.com/franz/pbs-search/internal/esindex"
	"github.com/franz/pbs-search/internal/store"
	"github.com/franz/pbs-search/internal/util"
)

// Stage is one ranking strategy. An empty result hands over to the next
// stage; an error aborts the search.
type Stage interface {
	Name() string
	Search(ctx context.Context, q Query) ([]Result, error)
}

// TextSearcher is the full-text side of the relational store
type TextSearcher interface {
	FullTextSearch(ctx context.Context, q store.TextQuery) ([]*store.Hit, error)
}

// FuzzySearcher is the trigram side of the relational store
type FuzzySearcher interface {
	FuzzySearch(ctx context.Context, q store.FuzzyQuery) ([]*store.Hit, error)
}

// ExternalEngine is a search engine queried ahead of the relational store
type ExternalEngine interface {
	Search(ctx context.Context, q esindex.Query) ([]esindex.Hit, error)
}

// ExternalStage queries the external engine. Failures are logged and
// reported as no results.
type ExternalStage struct {
	Engine ExternalEngine
}

func (s *ExternalStage) Name() string { return "external" }

func (s *ExternalStage) Search(ctx context.Context, q Query) ([]Result, error) {
	hits, err := s.Engine.Search(ctx, esindex.Query{Text: q.Normalized, Schedule: q.Schedule, Limit: q.Limit})
	if err != nil {
		util.WarnLog("External search failed, falling back: %v", err)
		return nil, nil
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		snippet := compose.StripMarkup(h.Highlight)
		if snippet == "" {
			snippet = BuildSnippet(h.Doc.Body, q.Normalized, DefaultSnippetLength)
		}
		results = append(results, newResult(h.Doc, snippet, BlendScores(h.Score, nil)))
	}
	return results, nil
}

// FullTextStage ranks full-text matches, blending relevance 0.7 with
// trigram similarity 0.3
type FullTextStage struct {
	Store TextSearcher
}

func (s *FullTextStage) Name() string { return "fulltext" }

func (s *FullTextStage) Search(ctx context.Context, q Query) ([]Result, error) {
	hits, err := s.Store.FullTextSearch(ctx, store.TextQuery{
		Query:            q.Normalized,
		Schedule:         q.Schedule,
		Limit:            q.Limit,
		TextWeight:       0.7,
		SimilarityWeight: 0.3,
	})
	if err != nil {
		return nil, err
	}
	return fromHits(hits, q), nil
}

// PrefixStage retries full-text search with every term as a prefix,
// weighted 0.6/0.4. It is skipped when no term survives sanitising.
type PrefixStage struct {
	Store TextSearcher
}

func (s *PrefixStage) Name() string { return "prefix" }

func (s *PrefixStage) Search(ctx context.Context, q Query) ([]Result, error) {
	if len(q.Terms) == 0 {
		return nil, nil
	}

	hits, err := s.Store.FullTextSearch(ctx, store.TextQuery{
		Query:            q.Normalized,
		Terms:            q.Terms,
		Prefix:           true,
		Schedule:         q.Schedule,
		Limit:            q.Limit,
		TextWeight:       0.6,
		SimilarityWeight: 0.4,
	})
	if err != nil {
		return nil, err
	}
	return fromHits(hits, q), nil
}

// FuzzyStage ranks purely by trigram similarity
type FuzzyStage struct {
	Store FuzzySearcher
}

func (s *FuzzyStage) Name() string { return "fuzzy" }

func (s *FuzzyStage) Search(ctx context.Context, q Query) ([]Result, error) {
	hits, err := s.Store.FuzzySearch(ctx, store.FuzzyQuery{
		Query:    q.Normalized,
		Schedule: q.Schedule,
		Limit:    q.Limit,
	})
	if err != nil {
		return nil, err
	}
	return fromHits(hits, q), nil
}

func fromHits(hits []*store.Hit, q Query) []Result {
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		snippet := BuildSnippet(h.Doc.Body, q.Normalized, DefaultSnippetLength)
		results = append(results, newResult(h.Doc, snippet, BlendScores(h.Score, nil)))
	}
	return results
}

// DefaultStages is the standard ladder: external engine when given, then
// full-text, prefix and trigram against repo
func DefaultStages(repo store.Repository, external ExternalEngine) []Stage {
	var stages []Stage
	if external != nil {
		stages = append(stages, &ExternalStage{Engine: external})
	}
	return append(stages,
		&FullTextStage{Store: repo},
		&PrefixStage{Store: repo},
		&FuzzyStage{Store: repo},
	)
}
