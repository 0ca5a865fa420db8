// Package rca implements the LLM root-cause-analysis engine (C7):
// retrieving supporting code, prompting the model, and persisting the
// parsed result.
package rca

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/opslens/sentinel/internal/domain"
	"github.com/opslens/sentinel/internal/vectorstore"
)

// ClusterStore is the narrow cluster-reading/writing surface this package
// depends on.
type ClusterStore interface {
	GetByID(ctx context.Context, clusterID string) (domain.ExceptionCluster, error)
	MarkRCAGenerated(ctx context.Context, clusterID string, at time.Time) error
}

// CodeBlockStore fetches the full snippet for a vector-store hit.
type CodeBlockStore interface {
	GetByID(ctx context.Context, blockID string) (domain.CodeBlock, error)
}

// RCAStore persists the finished result.
type RCAStore interface {
	Insert(ctx context.Context, res domain.RCAResult) error
}

// VectorQuerier is the subset of vectorstore.Store the engine needs,
// narrowed to ease substitution in tests.
type VectorQuerier interface {
	Query(ctx context.Context, collection vectorstore.Collection, serviceID string, embedding []float32, topK int) ([]vectorstore.Match, error)
}

// Embedder turns text into the vector space the code index was built in.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LLM is the model call the engine retries per the retry policy.
type LLM interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (text string, model string, tokensUsed int, err error)
}

// RetryableError marks an LLM error as eligible for the retry loop
// (rate-limit, timeout, transient API error).
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Engine is the RCA pipeline.
type Engine struct {
	clusters   ClusterStore
	codeBlocks CodeBlockStore
	results    RCAStore
	vectors    VectorQuerier
	embedder   Embedder
	llm        LLM
}

// New constructs an Engine from its collaborators.
func New(clusters ClusterStore, codeBlocks CodeBlockStore, results RCAStore, vectors VectorQuerier, embedder Embedder, llm LLM) *Engine {
	return &Engine{clusters: clusters, codeBlocks: codeBlocks, results: results, vectors: vectors, embedder: embedder, llm: llm}
}

const systemPrompt = `You are a root-cause-analysis assistant. Given stack frames and candidate ` +
	`source code, respond with strict JSON only, matching exactly:
{"likely_root_cause": {"file_path": "", "symbol": "", "line_range": [0,0], "confidence": 0.0, "explanation": ""},
 "supporting_evidence": [], "involved_parameters": [], "fix_suggestions": [], "tests_to_add": []}`

// llmResponse is the strict JSON schema the system prompt demands.
type llmResponse struct {
	LikelyRootCause struct {
		FilePath   string  `json:"file_path"`
		Symbol     string  `json:"symbol"`
		LineRange  []int   `json:"line_range"`
		Confidence float64 `json:"confidence"`
		Explanation string `json:"explanation"`
	} `json:"likely_root_cause"`
	SupportingEvidence  []string `json:"supporting_evidence"`
	InvolvedParameters  []string `json:"involved_parameters"`
	FixSuggestions      []string `json:"fix_suggestions"`
	TestsToAdd          []string `json:"tests_to_add"`
}

// AnalyzeCluster runs the full pipeline for one cluster: retrieve
// candidate code, call the LLM with retries, parse strictly, and persist.
func (e *Engine) AnalyzeCluster(ctx context.Context, clusterID string) (domain.RCAResult, error) {
	cl, err := e.clusters.GetByID(ctx, clusterID)
	if err != nil {
		return domain.RCAResult{}, fmt.Errorf("load cluster: %w", err)
	}
	// Snapshot identity fields now; nothing below references the live row.
	frames := append([]domain.StackFrame(nil), cl.StackTrace...)
	serviceID := cl.ServiceID
	exceptionType := cl.ExceptionType
	exceptionMessage := cl.ExceptionMessage

	blocks, err := e.retrieveCandidateBlocks(ctx, serviceID, frames)
	if err != nil {
		return domain.RCAResult{}, fmt.Errorf("retrieve candidate code: %w", err)
	}

	userPrompt := buildUserPrompt(exceptionType, exceptionMessage, frames, blocks)

	text, model, tokens, err := e.completeWithRetry(ctx, userPrompt)
	if err != nil {
		return domain.RCAResult{}, fmt.Errorf("llm call: %w", err)
	}

	parsed, err := parseStrict(text)
	if err != nil {
		return domain.RCAResult{}, fmt.Errorf("parse llm response: %w", err)
	}
	if len(parsed.FixSuggestions) == 0 {
		return domain.RCAResult{}, fmt.Errorf("llm response missing fix_suggestions")
	}

	result := domain.RCAResult{
		RCAID:              newID(),
		ClusterID:          clusterID,
		RootCauseFile:      parsed.LikelyRootCause.FilePath,
		RootCauseSymbol:    parsed.LikelyRootCause.Symbol,
		ConfidenceScore:    clampConfidence(parsed.LikelyRootCause.Confidence),
		Explanation:        parsed.LikelyRootCause.Explanation,
		InvolvedParameters: parsed.InvolvedParameters,
		FixSuggestions:     parsed.FixSuggestions,
		TestsToAdd:         parsed.TestsToAdd,
		Model:              model,
		TokensUsed:         tokens,
		CreatedAt:          time.Now().UTC(),
	}
	if len(parsed.LikelyRootCause.LineRange) == 2 {
		result.LineStart = parsed.LikelyRootCause.LineRange[0]
		result.LineEnd = parsed.LikelyRootCause.LineRange[1]
	}
	for _, b := range blocks {
		result.SupportingEvidence = append(result.SupportingEvidence, domain.CodeBlockReference{
			BlockID: b.BlockID, FilePath: b.FilePath, SymbolName: b.SymbolName,
		})
	}

	if err := e.results.Insert(ctx, result); err != nil {
		return domain.RCAResult{}, fmt.Errorf("persist rca result: %w", err)
	}
	if err := e.clusters.MarkRCAGenerated(ctx, clusterID, result.CreatedAt); err != nil {
		return domain.RCAResult{}, fmt.Errorf("mark cluster rca generated: %w", err)
	}

	return result, nil
}

// retrieveCandidateBlocks queries the vector store for the top five
// frames, unions and dedupes by block id, keeps the top ten, then fetches
// each block's full snippet from the relational store.
func (e *Engine) retrieveCandidateBlocks(ctx context.Context, serviceID string, frames []domain.StackFrame) ([]domain.CodeBlock, error) {
	top := frames
	if len(top) > 5 {
		top = top[:5]
	}

	seen := make(map[string]bool)
	var matches []vectorstore.Match

	for _, f := range top {
		query := fmt.Sprintf("%s %s", f.Symbol, f.File)
		embedding, err := e.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query %q: %w", query, err)
		}
		hits, err := e.vectors.Query(ctx, vectorstore.CollectionCodeEmbeddings, serviceID, embedding, 10)
		if err != nil {
			return nil, fmt.Errorf("query vector store: %w", err)
		}
		for _, h := range hits {
			if seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			matches = append(matches, h)
		}
	}

	if len(matches) > 10 {
		matches = matches[:10]
	}

	var blocks []domain.CodeBlock
	for _, m := range matches {
		blockID, _ := m.Metadata["block_id"].(string)
		if blockID == "" {
			blockID = m.ID
		}
		b, err := e.codeBlocks.GetByID(ctx, blockID)
		if err != nil {
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func buildUserPrompt(exceptionType, exceptionMessage string, frames []domain.StackFrame, blocks []domain.CodeBlock) string {
	prompt := fmt.Sprintf("Exception: %s: %s\n\nStack frames:\n", exceptionType, exceptionMessage)
	for _, f := range frames {
		prompt += fmt.Sprintf("  at %s (%s:%d)\n", f.Symbol, f.File, f.Line)
	}
	prompt += "\nCandidate source:\n"
	for _, b := range blocks {
		prompt += fmt.Sprintf("--- %s :: %s ---\n%s\n", b.FilePath, b.SymbolName, b.CodeSnippet)
	}
	return prompt
}

// stepBackOff produces the fixed 2·attempt second sequence the retry
// policy specifies, rather than the library's default exponential curve.
type stepBackOff struct{ attempt int }

func (s *stepBackOff) NextBackOff() time.Duration {
	s.attempt++
	return time.Duration(2*s.attempt) * time.Second
}

func (s *stepBackOff) Reset() { s.attempt = 0 }

// completeWithRetry calls the LLM up to three times, backing off
// 2·attempt seconds between retryable failures, resetting on success.
// Non-retryable errors stop the loop immediately via backoff.Permanent.
func (e *Engine) completeWithRetry(ctx context.Context, userPrompt string) (text, model string, tokens int, err error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(&stepBackOff{}, 2), ctx)

	callErr := backoff.Retry(func() error {
		var opErr error
		text, model, tokens, opErr = e.llm.Complete(ctx, systemPrompt, userPrompt)
		if opErr == nil {
			return nil
		}
		var retryable *RetryableError
		if !asRetryable(opErr, &retryable) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}, policy)

	if callErr != nil {
		return "", "", 0, callErr
	}
	return text, model, tokens, nil
}

func asRetryable(err error, target **RetryableError) bool {
	for err != nil {
		if r, ok := err.(*RetryableError); ok {
			*target = r
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// parseStrict decodes the model's response against the exact schema the
// system prompt demands. Models occasionally wrap the object in prose or
// a markdown fence, or drift field placement under load; when a strict
// decode doesn't yield a usable root cause, parseStrict falls back to a
// tolerant jsonpath-driven field extraction against whatever JSON
// structure actually came back, rather than failing the whole analysis.
func parseStrict(text string) (llmResponse, error) {
	candidate := extractJSONObject(text)

	var parsed llmResponse
	if err := json.Unmarshal([]byte(candidate), &parsed); err == nil && hasRootCause(parsed) {
		return parsed, nil
	}

	var generic any
	if err := json.Unmarshal([]byte(candidate), &generic); err != nil {
		return llmResponse{}, fmt.Errorf("invalid json: %w", err)
	}

	tolerant := tolerantExtract(generic)
	if !hasRootCause(tolerant) {
		return llmResponse{}, fmt.Errorf("response missing likely_root_cause")
	}
	return tolerant, nil
}

// hasRootCause requires both the file and the symbol: a result naming only
// one half of the location is not usable as a root cause.
func hasRootCause(r llmResponse) bool {
	return r.LikelyRootCause.FilePath != "" && r.LikelyRootCause.Symbol != ""
}

// clampConfidence keeps confidence_score within [0,1] regardless of what
// the model returned.
func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// extractJSONObject trims any text surrounding the outermost {...} object,
// tolerating a model that wrapped its JSON in a code fence or commentary.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return text
	}
	return text[start : end+1]
}

// tolerantExtract pulls the schema's fields out of a generically-decoded
// document by jsonpath, so a response that strict-decodes into the wrong
// shape (e.g. a differently-nested confidence field) still yields
// whatever fields are actually present instead of an all-or-nothing
// failure.
func tolerantExtract(doc any) llmResponse {
	var parsed llmResponse
	parsed.LikelyRootCause.FilePath = jsonPathString(doc, "$.likely_root_cause.file_path")
	parsed.LikelyRootCause.Symbol = jsonPathString(doc, "$.likely_root_cause.symbol")
	parsed.LikelyRootCause.Explanation = jsonPathString(doc, "$.likely_root_cause.explanation")
	parsed.LikelyRootCause.Confidence = jsonPathFloat(doc, "$.likely_root_cause.confidence")
	parsed.LikelyRootCause.LineRange = jsonPathInts(doc, "$.likely_root_cause.line_range")
	parsed.SupportingEvidence = jsonPathStrings(doc, "$.supporting_evidence")
	parsed.InvolvedParameters = jsonPathStrings(doc, "$.involved_parameters")
	parsed.FixSuggestions = jsonPathStrings(doc, "$.fix_suggestions")
	parsed.TestsToAdd = jsonPathStrings(doc, "$.tests_to_add")
	return parsed
}

func jsonPathString(doc any, path string) string {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func jsonPathFloat(doc any, path string) float64 {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return 0
	}
	f, _ := v.(float64)
	return f
}

func jsonPathInts(doc any, path string) []int {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		if f, ok := item.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}

func jsonPathStrings(doc any, path string) []string {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func newID() string {
	return uuid.NewString()
}

// ShouldTriggerRCA reports whether a cluster is eligible for RCA
// generation: it has none yet, and either it is frequent, fresh, or a
// user explicitly requested it.
func ShouldTriggerRCA(cl domain.ExceptionCluster, now time.Time, userRequested bool) bool {
	if cl.HasRCA {
		return false
	}
	if userRequested {
		return true
	}
	if cl.Frequency24h >= 10 {
		return true
	}
	return now.Sub(cl.FirstSeen) <= time.Hour
}
