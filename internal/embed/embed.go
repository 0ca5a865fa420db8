// Package embed implements the embedding-model adapter spec.md leaves as
// an interface seam: text in, a fixed-dimension vector out. The code
// indexer and the RCA engine's candidate-code retrieval both depend on
// this shape without caring which provider computes it.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder turns text into a vector in the code index's embedding space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	apiKey string
	model  string
	http   *http.Client
}

// NewOpenAIEmbedder constructs an OpenAIEmbedder. An empty model defaults
// to "text-embedding-3-small".
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{apiKey: apiKey, model: model, http: &http.Client{Timeout: 30 * time.Second}}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai embeddings returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result embeddingResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai embeddings error: %s", result.Error.Message)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings returned no data")
	}

	return result.Data[0].Embedding, nil
}

// DeterministicEmbedder produces a cheap, stable pseudo-embedding from a
// hash of the input text. It satisfies Embedder for local development and
// tests where no real embedding API is configured.
type DeterministicEmbedder struct {
	Dimensions int
}

// NewDeterministicEmbedder constructs a DeterministicEmbedder. Zero
// dimensions defaults to 32.
func NewDeterministicEmbedder(dimensions int) *DeterministicEmbedder {
	if dimensions <= 0 {
		dimensions = 32
	}
	return &DeterministicEmbedder{Dimensions: dimensions}
}

// Embed hashes text into a deterministic unit-ish vector; same input
// always yields the same output, which is all local-mode callers need.
func (e *DeterministicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.Dimensions)
	state := uint32(2166136261)
	for i := 0; i < len(text); i++ {
		state ^= uint32(text[i])
		state *= 16777619
		vec[i%e.Dimensions] += float32(state%1000) / 1000.0
	}
	return vec, nil
}
