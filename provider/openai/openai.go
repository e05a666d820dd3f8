package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Options configures the OpenAI client.
type Options struct {
	APIKey         string
	BaseURL        string
	PlanningModel  string
	DiagnosisModel string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
}

// Client is a minimal OpenAI chat-completions client in JSON mode.
type Client struct {
	opts       Options
	httpClient *http.Client
}

// Usage reports token consumption of one completion.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// NewClient creates a new OpenAI client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

// PlanningModel returns the configured planning model name.
func (c *Client) PlanningModel() string { return c.opts.PlanningModel }

// DiagnosisModel returns the configured diagnosis model name.
func (c *Client) DiagnosisModel() string { return c.opts.DiagnosisModel }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatJSON sends a chat completion requesting a strict JSON object and
// decodes the model's reply into out.
func (c *Client) ChatJSON(ctx context.Context, model, system string, user []string, out interface{}) (Usage, error) {
	msgs := []message{{Role: "system", Content: system}}
	for _, u := range user {
		msgs = append(msgs, message{Role: "user", Content: u})
	}
	payload := map[string]interface{}{
		"model":           model,
		"temperature":     c.opts.Temperature,
		"response_format": map[string]interface{}{"type": "json_object"},
		"messages":        msgs,
	}
	if c.opts.MaxTokens > 0 {
		payload["max_tokens"] = c.opts.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Usage{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.opts.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Usage{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Usage{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(resp.Body)
		return Usage{}, fmt.Errorf("openai status %d: %s", resp.StatusCode, string(raw))
	}

	var raw struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Usage{}, fmt.Errorf("parse response: %w", err)
	}
	if len(raw.Choices) == 0 {
		return raw.Usage, fmt.Errorf("no choices in response")
	}
	if err := json.Unmarshal([]byte(raw.Choices[0].Message.Content), out); err != nil {
		return raw.Usage, fmt.Errorf("bad JSON from model: %w; content=%s", err, raw.Choices[0].Message.Content)
	}
	return raw.Usage, nil
}

// CostUSD estimates the dollar cost of a completion for known models.
func CostUSD(model string, u Usage) float64 {
	type rate struct{ in, out float64 } // per 1k tokens
	rates := map[string]rate{
		"gpt-4o":      {0.0025, 0.01},
		"gpt-4o-mini": {0.00015, 0.0006},
	}
	r, ok := rates[model]
	if !ok {
		return 0
	}
	return float64(u.PromptTokens)/1000*r.in + float64(u.CompletionTokens)/1000*r.out
}
