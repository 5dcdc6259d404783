package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPBackend talks directly to an OpenAI-compatible chat-completions
// endpoint. Grounded on llms/openai.go's makeStreamingRequest: marshal a
// request, read an `event-stream`-style body line by line, strip the
// "data: " prefix, decode each JSON chunk, accumulate until "[DONE]".
type HTTPBackend struct {
	cfg    Config
	client *http.Client
}

// NewHTTPBackend builds a direct-to-provider backend.
func NewHTTPBackend(cfg Config) *HTTPBackend {
	cfg.SetDefaults()
	return &HTTPBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *HTTPBackend) ModelName() string { return b.cfg.Model }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (b *HTTPBackend) buildRequest(req Request, stream bool) chatRequest {
	model := req.Model
	if model == "" {
		model = b.cfg.Model
	}
	temp := req.Temperature
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.cfg.MaxTokens
	}
	return chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: temp,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
}

func (b *HTTPBackend) newHTTPRequest(ctx context.Context, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	return httpReq, nil
}

// CompleteOnce implements Backend.
func (b *HTTPBackend) CompleteOnce(ctx context.Context, prompt string, params map[string]any) (string, error) {
	req := requestFromParams(prompt, params, b.cfg)
	httpReq, err := b.newHTTPRequest(ctx, b.buildRequest(req, false))
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("llm: provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm: provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: no choices returned")
	}
	return parsed.Choices[0].Message.Content, nil
}

// StreamComplete implements Backend.
func (b *HTTPBackend) StreamComplete(ctx context.Context, req Request) (<-chan Chunk, error) {
	httpReq, err := b.newHTTPRequest(ctx, b.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("llm: provider returned status %d: %s", resp.StatusCode, string(body))
	}

	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		if err := readSSE(resp.Body, out); err != nil {
			out <- Chunk{Err: err, Done: true}
		}
	}()
	return out, nil
}

// readSSE reads an OpenAI-compatible "data: {...}" event stream line by
// line, emitting one Chunk per delta, terminating on "data: [DONE]".
func readSSE(body io.Reader, out chan<- Chunk) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			out <- Chunk{Done: true}
			return nil
		}
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("llm: provider stream error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			done := chunk.Choices[0].FinishReason != ""
			tokens := 0
			if chunk.Usage != nil {
				tokens = chunk.Usage.TotalTokens
			}
			if delta != "" || done {
				out <- Chunk{Text: delta, Done: done, Tokens: tokens}
			}
			if done {
				return nil
			}
		}
	}
	return scanner.Err()
}

func requestFromParams(prompt string, params map[string]any, cfg Config) Request {
	req := Request{Prompt: prompt, Model: cfg.Model, Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
	if model, ok := params["model"].(string); ok && model != "" {
		req.Model = model
	}
	if temp, ok := params["temperature"].(float64); ok {
		req.Temperature = temp
	}
	if maxTokens, ok := params["max_tokens"].(float64); ok {
		req.MaxTokens = int(maxTokens)
	}
	return req
}
