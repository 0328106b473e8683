package orders

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/callout"
	"chat-dispatch/pkg/models"
)

// Client fetches order status from the order system over HTTP
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	runner     *callout.Runner
}

func NewClient(baseURL, token string, httpClient *http.Client, runner *callout.Runner) *Client {
	if httpClient == nil {
		httpClient = callout.DefaultHTTPClient()
	}
	return &Client{
		baseURL:    strings.TrimSpace(baseURL),
		token:      token,
		httpClient: httpClient,
		runner:     runner,
	}
}

// GetOrderStatus returns the order record. An unknown order is a NotFound error.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (models.OrderStatus, error) {
	if strings.TrimSpace(orderID) == "" {
		return models.OrderStatus{}, apperr.New(apperr.Validation, "order_id_required", nil)
	}

	headers := map[string]string{}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}

	var status models.OrderStatus
	err := c.runner.Do(ctx, func(ctx context.Context) error {
		status = models.OrderStatus{}
		return callout.DoJSON(ctx, c.httpClient, callout.JSONRequest{
			Method:  http.MethodGet,
			URL:     callout.JoinURL(c.baseURL, "/orders/"+url.PathEscape(orderID)),
			Headers: headers,
			Out:     &status,
		})
	})
	if err != nil {
		return models.OrderStatus{}, err
	}
	if status.OrderNumber == "" {
		status.OrderNumber = orderID
	}
	return status, nil
}
