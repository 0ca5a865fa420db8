// Package llm implements the provider seam the RCA engine calls through:
// spec.md leaves vendor SDK internals out of scope, but the engine still
// needs a concrete Complete(ctx, systemPrompt, userPrompt) to call — this
// package is that seam plus the two HTTP-level implementations worth
// shipping (OpenAI-compatible and Anthropic) and a local stub for tests
// and offline development.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opslens/sentinel/internal/config"
	"github.com/opslens/sentinel/internal/rca"
)

// New selects a concrete rca.LLM implementation from cfg.LLMProvider.
func New(cfg *config.Config) (rca.LLM, error) {
	switch cfg.LLMProvider {
	case "openai":
		return &openAIClient{apiKey: cfg.LLMAPIKey, model: cfg.LLMModel, temperature: cfg.LLMTemperature, maxTokens: cfg.LLMMaxTokens, http: &http.Client{Timeout: 120 * time.Second}}, nil
	case "anthropic":
		return &anthropicClient{apiKey: cfg.LLMAPIKey, model: cfg.LLMModel, temperature: cfg.LLMTemperature, maxTokens: cfg.LLMMaxTokens, http: &http.Client{Timeout: 120 * time.Second}}, nil
	case "local":
		return &localClient{}, nil
	default:
		return nil, fmt.Errorf("unsupported LLM_PROVIDER %q (use openai, anthropic, or local)", cfg.LLMProvider)
	}
}

// ---------------------------------------------------------------------------
// OpenAI-compatible chat-completions API
// ---------------------------------------------------------------------------

type openAIClient struct {
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	http        *http.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *openAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, string, int, error) {
	reqBody := openAIRequest{
		Model: c.model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", "", 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", 0, &rca.RetryableError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", 0, err
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", "", 0, &rca.RetryableError{Err: fmt.Errorf("openai returned HTTP %d: %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("openai returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result openAIResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", "", 0, fmt.Errorf("parse openai response: %w", err)
	}
	if result.Error != nil {
		return "", "", 0, fmt.Errorf("openai error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", "", 0, fmt.Errorf("openai returned no choices")
	}

	return result.Choices[0].Message.Content, c.model, result.Usage.TotalTokens, nil
}

// ---------------------------------------------------------------------------
// Anthropic messages API
// ---------------------------------------------------------------------------

type anthropicClient struct {
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	http        *http.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *anthropicClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, string, int, error) {
	maxTokens := c.maxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	reqBody := anthropicRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		System:      systemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: userPrompt}},
		Temperature: c.temperature,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", "", 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", 0, &rca.RetryableError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", 0, err
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", "", 0, &rca.RetryableError{Err: fmt.Errorf("anthropic returned HTTP %d: %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("anthropic returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result anthropicResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", "", 0, fmt.Errorf("parse anthropic response: %w", err)
	}
	if result.Error != nil {
		return "", "", 0, fmt.Errorf("anthropic error: %s: %s", result.Error.Type, result.Error.Message)
	}

	var sb strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", "", 0, fmt.Errorf("anthropic returned no text content")
	}

	return sb.String(), c.model, result.Usage.InputTokens + result.Usage.OutputTokens, nil
}

// ---------------------------------------------------------------------------
// local: a deterministic offline stub, for LLM_PROVIDER=local
// ---------------------------------------------------------------------------

type localClient struct{}

func (c *localClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, string, int, error) {
	return `{"likely_root_cause": {"file_path": "", "symbol": "", "line_range": [0,0], "confidence": 0.0, ` +
		`"explanation": "LLM_PROVIDER=local: no analysis performed"}, "supporting_evidence": [], ` +
		`"involved_parameters": [], "fix_suggestions": [], "tests_to_add": []}`, "local", 0, nil
}
