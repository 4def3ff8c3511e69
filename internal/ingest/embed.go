package ingest

import (
	"context"

	"github.com/franz/pbs-search/internal/util"
)

// Embedder computes vectors for a schedule's documents after they are
// stored. It returns how many documents were embedded.
type Embedder interface {
	EmbedSchedule(ctx context.Context, code string) (int, error)
}

// NoopEmbedder is the placeholder hook. With no provider it skips the
// step; with one it only notes that no provider client exists yet.
type NoopEmbedder struct {
	Provider string
}

func (e NoopEmbedder) EmbedSchedule(_ context.Context, code string) (int, error) {
	if e.Provider == "" {
		util.DebugLog("No embeddings provider configured; skipping embedding step for %s", code)
		return 0, nil
	}
	util.WarnLog("Embeddings provider %q has no client; skipping embedding step for %s", e.Provider, code)
	return 0, nil
}
