package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"insight-job-queue/internal/signals"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
	maxReplyBytes  = 1 << 20
)

const systemPrompt = `You explain why a product in an online store needs attention.
Reply with a single JSON object and nothing else:
{"summary": string, "actionType": "INVENTORY"|"CONTENT"|"PRICING"|"VISIBILITY"|"NONE", "nextSteps": [string], "caveats": string}
The summary is at most 1000 characters. Give at most 3 short next steps. Use caveats for data you could not see.`

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithModel selects the model name sent with each request.
func WithModel(m string) Option {
	return func(c *Client) {
		if m != "" {
			c.model = m
		}
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRateLimit paces requests to rps per second; zero or less disables pacing.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// NewClient creates a client with the given API key.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type explanationReply struct {
	Summary    string   `json:"summary"`
	ActionType string   `json:"actionType"`
	NextSteps  []string `json:"nextSteps"`
	Caveats    string   `json:"caveats"`
}

// Explain asks the model for an explanation of in and validates the reply.
func (c *Client) Explain(ctx context.Context, in Input) (Result, error) {
	if c.apiKey == "" {
		return Result{}, fmt.Errorf("%w: missing API key", ErrUpstream)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("%w: rate limiter: %v", ErrUpstream, err)
		}
	}

	userContent, err := json.Marshal(in)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling input: %w", err)
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(userContent)},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: executing request: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Result{}, fmt.Errorf("%w: reading response: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("%w: unexpected status %d", ErrUpstream, resp.StatusCode)
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return Result{}, fmt.Errorf("%w: decoding completion: %v", ErrInvalidResponse, err)
	}
	if len(chat.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}
	res, err := parseReply(chat.Choices[0].Message.Content, in)
	if err != nil {
		return Result{}, err
	}
	res.Model = c.model
	if chat.Model != "" {
		res.Model = chat.Model
	}
	return res, nil
}

// parseReply validates the model's JSON content against the output contract.
func parseReply(content string, in Input) (Result, error) {
	content = stripCodeFence(content)
	var reply explanationReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return Result{}, fmt.Errorf("%w: decoding explanation: %v", ErrInvalidResponse, err)
	}

	summary := strings.TrimSpace(reply.Summary)
	if summary == "" {
		return Result{}, fmt.Errorf("%w: empty summary", ErrInvalidResponse)
	}
	if utf8.RuneCountInString(summary) > MaxSummaryRunes {
		summary = string([]rune(summary)[:MaxSummaryRunes])
	}

	action, ok := ParseActionType(reply.ActionType)
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown action type %q", ErrInvalidResponse, reply.ActionType)
	}
	if in.InventoryStatus == signals.InventoryOutOfStock {
		action = ActionInventory
	}

	steps := make([]string, 0, MaxNextSteps)
	for _, s := range reply.NextSteps {
		if s = strings.TrimSpace(s); s != "" && len(steps) < MaxNextSteps {
			steps = append(steps, s)
		}
	}

	return Result{
		Summary:    summary,
		ActionType: action,
		NextSteps:  steps,
		Caveats:    strings.TrimSpace(reply.Caveats),
	}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
