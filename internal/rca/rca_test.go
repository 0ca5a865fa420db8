package rca

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opslens/sentinel/internal/domain"
	"github.com/opslens/sentinel/internal/vectorstore"
)

type fakeClusters struct {
	cluster      domain.ExceptionCluster
	markedRCAAt  *time.Time
}

func (f *fakeClusters) GetByID(ctx context.Context, clusterID string) (domain.ExceptionCluster, error) {
	return f.cluster, nil
}

func (f *fakeClusters) MarkRCAGenerated(ctx context.Context, clusterID string, at time.Time) error {
	f.markedRCAAt = &at
	return nil
}

type fakeCodeBlocks struct {
	blocks map[string]domain.CodeBlock
}

func (f *fakeCodeBlocks) GetByID(ctx context.Context, blockID string) (domain.CodeBlock, error) {
	b, ok := f.blocks[blockID]
	if !ok {
		return domain.CodeBlock{}, errors.New("not found")
	}
	return b, nil
}

type fakeRCAStore struct {
	inserted []domain.RCAResult
}

func (f *fakeRCAStore) Insert(ctx context.Context, res domain.RCAResult) error {
	f.inserted = append(f.inserted, res)
	return nil
}

type fakeVectors struct{}

func (f *fakeVectors) Query(ctx context.Context, collection vectorstore.Collection, serviceID string, embedding []float32, topK int) ([]vectorstore.Match, error) {
	return []vectorstore.Match{
		{Record: vectorstore.Record{ID: "block-1", Metadata: map[string]any{"block_id": "block-1"}}, Distance: 0.1},
	}, nil
}

type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

type fakeLLM struct {
	responses []struct {
		text string
		err  error
	}
	calls int
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, string, int, error) {
	r := f.responses[f.calls]
	f.calls++
	if r.err != nil {
		return "", "", 0, r.err
	}
	return r.text, "gpt-4o-mini", 123, nil
}

const validResponse = `{"likely_root_cause":{"file_path":"app/main.py","symbol":"handle_request","line_range":[10,20],"confidence":0.8,"explanation":"null check missing"},"supporting_evidence":[],"involved_parameters":["user_id"],"fix_suggestions":["add a null check"],"tests_to_add":["test_missing_user"]}`

func TestAnalyzeClusterSucceeds(t *testing.T) {
	clusters := &fakeClusters{cluster: domain.ExceptionCluster{
		ClusterID: "c1", ServiceID: "svc-1", ExceptionType: "ValueError", ExceptionMessage: "boom",
		StackTrace: []domain.StackFrame{{Symbol: "handle_request", File: "app/main.py", Line: 10}},
	}}
	codeBlocks := &fakeCodeBlocks{blocks: map[string]domain.CodeBlock{
		"block-1": {BlockID: "block-1", FilePath: "app/main.py", SymbolName: "handle_request", CodeSnippet: "def handle_request(): ..."},
	}}
	store := &fakeRCAStore{}
	llm := &fakeLLM{responses: []struct {
		text string
		err  error
	}{{text: validResponse}}}

	engine := New(clusters, codeBlocks, store, &fakeVectors{}, &fakeEmbedder{}, llm)

	result, err := engine.AnalyzeCluster(context.Background(), "c1")
	if err != nil {
		t.Fatalf("AnalyzeCluster() error = %v", err)
	}
	if result.RootCauseFile != "app/main.py" || result.RootCauseSymbol != "handle_request" {
		t.Errorf("result = %+v, unexpected root cause", result)
	}
	if result.ConfidenceScore != 0.8 {
		t.Errorf("ConfidenceScore = %v, want 0.8", result.ConfidenceScore)
	}
	if len(result.FixSuggestions) == 0 {
		t.Error("FixSuggestions should not be empty")
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 persisted result, got %d", len(store.inserted))
	}
	if clusters.markedRCAAt == nil {
		t.Error("cluster should be marked has_rca")
	}
}

func TestAnalyzeClusterRetriesOnRetryableError(t *testing.T) {
	clusters := &fakeClusters{cluster: domain.ExceptionCluster{ClusterID: "c1", ServiceID: "svc-1"}}
	codeBlocks := &fakeCodeBlocks{blocks: map[string]domain.CodeBlock{}}
	store := &fakeRCAStore{}
	llm := &fakeLLM{responses: []struct {
		text string
		err  error
	}{
		{err: &RetryableError{Err: errors.New("rate limited")}},
		{text: validResponse},
	}}

	engine := New(clusters, codeBlocks, store, &fakeVectors{}, &fakeEmbedder{}, llm)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := engine.AnalyzeCluster(ctx, "c1"); err != nil {
		t.Fatalf("AnalyzeCluster() error = %v", err)
	}
	if llm.calls != 2 {
		t.Errorf("llm.calls = %d, want 2 (one retry)", llm.calls)
	}
}

func TestAnalyzeClusterRejectsResponseMissingRootCause(t *testing.T) {
	clusters := &fakeClusters{cluster: domain.ExceptionCluster{ClusterID: "c1", ServiceID: "svc-1"}}
	codeBlocks := &fakeCodeBlocks{blocks: map[string]domain.CodeBlock{}}
	store := &fakeRCAStore{}
	llm := &fakeLLM{responses: []struct {
		text string
		err  error
	}{{text: `{"supporting_evidence": []}`}}}

	engine := New(clusters, codeBlocks, store, &fakeVectors{}, &fakeEmbedder{}, llm)

	if _, err := engine.AnalyzeCluster(context.Background(), "c1"); err == nil {
		t.Fatal("AnalyzeCluster() should reject a response missing likely_root_cause")
	}
}

func TestShouldTriggerRCA(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name string
		cl   domain.ExceptionCluster
		want bool
	}{
		{"already has rca", domain.ExceptionCluster{HasRCA: true}, false},
		{"frequent", domain.ExceptionCluster{Frequency24h: 10, FirstSeen: now.Add(-48 * time.Hour)}, true},
		{"fresh", domain.ExceptionCluster{FirstSeen: now.Add(-10 * time.Minute)}, true},
		{"neither", domain.ExceptionCluster{FirstSeen: now.Add(-48 * time.Hour), Frequency24h: 1}, false},
	}
	for _, c := range cases {
		if got := ShouldTriggerRCA(c.cl, now, false); got != c.want {
			t.Errorf("%s: ShouldTriggerRCA() = %v, want %v", c.name, got, c.want)
		}
	}

	if !ShouldTriggerRCA(domain.ExceptionCluster{FirstSeen: now.Add(-48 * time.Hour)}, now, true) {
		t.Error("ShouldTriggerRCA() should be true when a user request arrived")
	}
}
