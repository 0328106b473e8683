package generation

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/callout"
	"chat-dispatch/pkg/models"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	maxTokens      = 300
	temperature    = 0.7
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int         `json:"index"`
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Client is an OpenAI-compatible chat completions client
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	runner     *callout.Runner
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(apiKey, model string, runner *callout.Runner, opts ...Option) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("generation: model must not be empty")
	}
	if runner == nil {
		return nil, errors.New("generation: runner must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: callout.DefaultHTTPClient(),
		runner:     runner,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Generate returns the backend's reply to prompt. An empty completion is an
// UpstreamError so the caller falls back.
func (c *Client) Generate(ctx context.Context, prompt models.Prompt) (string, error) {
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}
	temp := temperature
	req := chatRequest{
		Model:       c.model,
		Messages:    BuildMessages(prompt),
		MaxTokens:   maxTokens,
		Temperature: &temp,
	}

	var res chatResponse
	err := c.runner.Do(ctx, func(ctx context.Context) error {
		res = chatResponse{}
		return callout.DoJSON(ctx, c.httpClient, callout.JSONRequest{
			Method:  http.MethodPost,
			URL:     chatURL(c.baseURL),
			Headers: headers,
			Body:    req,
			Out:     &res,
		})
	})
	if err != nil {
		return "", err
	}
	if len(res.Choices) == 0 {
		return "", apperr.New(apperr.UpstreamError, "no_choices", nil)
	}
	text := strings.TrimSpace(res.Choices[0].Message.Content)
	if text == "" {
		return "", apperr.New(apperr.UpstreamError, "empty_completion", nil)
	}
	return text, nil
}

// BuildMessages maps a prompt onto chat messages: system prompt with any
// knowledge context, then history turns, then the question.
func BuildMessages(p models.Prompt) []chatMessage {
	system := p.System
	if p.Knowledge != "" {
		system += "\n\nReference knowledge (use it if relevant):\n" + p.Knowledge
	}
	msgs := make([]chatMessage, 0, len(p.History)+2)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	for _, t := range p.History {
		msgs = append(msgs, chatMessage{Role: t.Role, Content: t.Content})
	}
	return append(msgs, chatMessage{Role: "user", Content: p.Question})
}
