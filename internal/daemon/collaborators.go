package daemon

import "context"

// RAGClient queries the retrieval store for context relevant to the current
// loop (§4.4 step 5). A nil result is treated as "no hits", never an error
// condition worth failing the loop over.
type RAGClient interface {
	Query(ctx context.Context, query string, topK int) ([]string, error)
}

// NoopRAGClient satisfies RAGClient when no RAG endpoint is configured.
type NoopRAGClient struct{}

func (NoopRAGClient) Query(ctx context.Context, query string, topK int) ([]string, error) {
	return nil, nil
}

// KanbanSummary is the per-agent snapshot of the external issue tracker's
// in-progress/ready/review buckets (§4.4 step 6).
type KanbanSummary struct {
	InProgress []string
	Ready      []string
	InReview   []string
}

// TrackerSnapshot loads a KanbanSummary for one agent type.
type TrackerSnapshot interface {
	Snapshot(ctx context.Context, agentType string) (KanbanSummary, error)
}

// NoopTrackerSnapshot satisfies TrackerSnapshot when no tracker endpoint is
// configured.
type NoopTrackerSnapshot struct{}

func (NoopTrackerSnapshot) Snapshot(ctx context.Context, agentType string) (KanbanSummary, error) {
	return KanbanSummary{}, nil
}

// BrandProvider loads the tenant brand config folded into the loop prompt
// (§4.4 step 7).
type BrandProvider interface {
	BrandConfig(ctx context.Context) (string, error)
}

// NoopBrandProvider satisfies BrandProvider when no brand endpoint is
// configured.
type NoopBrandProvider struct{}

func (NoopBrandProvider) BrandConfig(ctx context.Context) (string, error) { return "", nil }

// WorkspaceInitializer prepares the agent's optional local workspace clone
// at startup (§4.1 step 6). A nil Workspace skips this step entirely.
type WorkspaceInitializer interface {
	Init(ctx context.Context, agentType string) error
}
