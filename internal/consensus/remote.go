package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LLMConfig configures the chat-completions adapter
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxTicks    int
}

// LLMAdapter asks an OpenAI-compatible chat completions endpoint for a vote
type LLMAdapter struct {
	config     LLMConfig
	httpClient *http.Client
}

// NewLLMAdapter creates the adapter. Timeouts come from the engine's context.
func NewLLMAdapter(config LLMConfig) *LLMAdapter {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 256
	}
	if config.MaxTicks == 0 {
		config.MaxTicks = 30
	}
	return &LLMAdapter{config: config, httpClient: &http.Client{}}
}

func (a *LLMAdapter) Name() string { return "llm" }

// IsConfigured checks if the adapter has credentials
func (a *LLMAdapter) IsConfigured() bool {
	return a.config.APIKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

const llmSystemPrompt = `You are a short-horizon tick analyst for synthetic indices.
Given recent ticks, answer with JSON only: {"prediction":"up|down|hold","confidence":0-100,"reasoning":"one sentence"}.`

func (a *LLMAdapter) Predict(ctx context.Context, ticks []Tick) (*Vote, error) {
	window := lastN(ticks, a.config.MaxTicks)
	if len(window) == 0 {
		return nil, fmt.Errorf("no ticks")
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Symbol %s, last %d ticks (epoch quote):\n", window[0].Symbol, len(window))
	for _, t := range window {
		fmt.Fprintf(&prompt, "%d %v\n", t.Epoch, t.Quote)
	}
	h := DigitHistogram(window)
	fmt.Fprintf(&prompt, "Last-digit histogram 0-9: %v\n", h)

	body, err := json.Marshal(chatRequest{
		Model: a.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: llmSystemPrompt},
			{Role: "user", Content: prompt.String()},
		},
		MaxTokens:   a.config.MaxTokens,
		Temperature: a.config.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(a.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	respBody, status, err := doRequest(a.httpClient, httpReq)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response (http %d): %w", status, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s - %s", resp.Error.Type, resp.Error.Message)
	}
	if status >= 300 {
		return nil, fmt.Errorf("llm endpoint returned http %d", status)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from llm")
	}

	return parseVoteJSON(resp.Choices[0].Message.Content)
}

// parseVoteJSON extracts the first JSON object from a model reply
func parseVoteJSON(content string) (*Vote, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply: %q", truncate(content, 80))
	}

	var raw struct {
		Prediction string  `json:"prediction"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("malformed vote JSON: %w", err)
	}
	return &Vote{
		Prediction: Prediction(strings.ToLower(strings.TrimSpace(raw.Prediction))),
		Confidence: raw.Confidence,
		Reasoning:  raw.Reasoning,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// MLServiceAdapter posts ticks to an external scoring service. The service
// replies with {"prediction","confidence","reasoning"}.
type MLServiceAdapter struct {
	url        string
	httpClient *http.Client
}

// NewMLServiceAdapter creates the adapter for the scoring endpoint at url
func NewMLServiceAdapter(url string) *MLServiceAdapter {
	return &MLServiceAdapter{url: url, httpClient: &http.Client{}}
}

func (a *MLServiceAdapter) Name() string { return "ml_service" }

type mlTick struct {
	Symbol string  `json:"symbol"`
	Quote  float64 `json:"quote"`
	Epoch  int64   `json:"epoch"`
}

func (a *MLServiceAdapter) Predict(ctx context.Context, ticks []Tick) (*Vote, error) {
	payload := struct {
		Ticks []mlTick `json:"ticks"`
	}{Ticks: make([]mlTick, len(ticks))}
	for i, t := range ticks {
		payload.Ticks[i] = mlTick{Symbol: t.Symbol, Quote: t.Quote, Epoch: t.Epoch}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	respBody, status, err := doRequest(a.httpClient, httpReq)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("ml service returned http %d: %s", status, truncate(string(respBody), 120))
	}

	var vote Vote
	if err := json.Unmarshal(respBody, &vote); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &vote, nil
}

func doRequest(client *http.Client, req *http.Request) ([]byte, int, error) {
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, 0, fmt.Errorf("request aborted after %v: %w", time.Since(start).Round(time.Millisecond), ctxErr)
		}
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
