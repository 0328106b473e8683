package callout

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

// StatusError captures a non-2xx upstream response
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// JSONRequest describes one JSON call. Body is marshalled when non-nil and
// the response is decoded into Out when non-nil.
type JSONRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
	Out     any
}

// DefaultHTTPClient has no client-level timeout; deadlines come from the Runner
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// DoJSON performs req with ctx and decodes a 2xx JSON response
func DoJSON(ctx context.Context, client *http.Client, req JSONRequest) error {
	var body io.Reader
	if req.Body != nil {
		buf, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	res, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{
			StatusCode: res.StatusCode,
			URL:        req.URL,
			Body:       strings.TrimSpace(string(buf)),
		}
	}

	if req.Out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(req.Out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// JoinURL appends path to base without doubling slashes
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
