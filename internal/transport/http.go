package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody caps how much of a vendor error response is kept
const maxErrorBody = 512

// apiClient sends vendor API requests with a small retry loop on 429 and 5xx
type apiClient struct {
	http    *http.Client
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

func newAPIClient(opts Options, logger *slog.Logger) *apiClient {
	return &apiClient{
		http:    opts.HTTPClient,
		retries: opts.Retries,
		backoff: 250 * time.Millisecond,
		logger:  logger,
	}
}

type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

// do runs newReq until it gets a non-retryable answer or runs out of attempts.
// newReq is called per attempt because request bodies are single-use.
func (c *apiClient) do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*apiResponse, error) {
	var lastErr error

	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, classifyNetError(ctx.Err(), "request")
			case <-time.After(wait):
			}
		}

		req, err := newReq(ctx)
		if err != nil {
			return nil, &Error{Category: CategoryUnknown, Message: fmt.Sprintf("create request: %v", err), Err: err}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = classifyNetError(err, req.Method+" "+req.URL.Path)
			c.logger.Debug("api request failed", "attempt", attempt+1, "error", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = classifyNetError(err, "read response")
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return &apiResponse{status: resp.StatusCode, header: resp.Header, body: body}, nil
		}

		apiErr := statusError(resp.StatusCode, body)
		if !retryable(resp.StatusCode) {
			return nil, apiErr
		}
		lastErr = apiErr
		c.logger.Debug("api request retryable status", "attempt", attempt+1, "status", resp.StatusCode)
	}

	return nil, lastErr
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// statusError converts a non-2xx vendor answer into a transport error
func statusError(status int, body []byte) *Error {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}

	category := CategoryAPI
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		category = CategoryAuth
	}

	return &Error{
		Category:   category,
		Temporary:  retryable(status),
		StatusCode: status,
		Message:    fmt.Sprintf("HTTP %d: %s", status, text),
	}
}

// apiProbe turns a probe request error into the api_error:<status> form
func apiProbe(err error, started time.Time, okMessage string) Probe {
	if te, ok := err.(*Error); ok && te.StatusCode > 0 {
		return Probe{
			Success:  false,
			Message:  te.Error(),
			Category: fmt.Sprintf("%s:%d", CategoryAPI, te.StatusCode),
			Latency:  time.Since(started),
		}
	}
	return probeResult(err, started, okMessage)
}
