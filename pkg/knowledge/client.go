package knowledge

import (
	"context"
	"net/http"
	"strings"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/callout"
	"chat-dispatch/pkg/models"
)

type lookupRequest struct {
	Query string `json:"query"`
}

type lookupResponse struct {
	Matched    bool    `json:"matched"`
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

// Client queries an external knowledge store over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	runner     *callout.Runner
}

func NewClient(baseURL string, httpClient *http.Client, runner *callout.Runner) *Client {
	if httpClient == nil {
		httpClient = callout.DefaultHTTPClient()
	}
	return &Client{
		baseURL:    strings.TrimSpace(baseURL),
		httpClient: httpClient,
		runner:     runner,
	}
}

// Lookup returns the best match for query. No match is a NotFound error.
func (c *Client) Lookup(ctx context.Context, query string) (models.KnowledgeMatch, error) {
	var res lookupResponse
	err := c.runner.Do(ctx, func(ctx context.Context) error {
		res = lookupResponse{}
		return callout.DoJSON(ctx, c.httpClient, callout.JSONRequest{
			Method: http.MethodPost,
			URL:    callout.JoinURL(c.baseURL, "/lookup"),
			Body:   lookupRequest{Query: query},
			Out:    &res,
		})
	})
	if err != nil {
		return models.KnowledgeMatch{}, err
	}
	if !res.Matched || strings.TrimSpace(res.Answer) == "" {
		return models.KnowledgeMatch{}, apperr.New(apperr.NotFound, "no_match", nil)
	}
	return models.KnowledgeMatch{
		Question:   res.Question,
		Answer:     res.Answer,
		Confidence: clamp(res.Confidence),
	}, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
