package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

func newHTTPClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "go-checkout-payments/1")
}

// transportError classifies a failed round trip. Timeouts and connection
// failures are retryable.
func transportError(p Provider, op string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Provider: p, Op: op, Retryable: true, Err: ErrTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Provider: p, Op: op, Err: err}
	}
	return &Error{Provider: p, Op: op, Retryable: true, Err: err}
}

// statusError classifies a non-2xx response: 5xx and 429 are retryable.
func statusError(p Provider, op string, resp *resty.Response) error {
	code := resp.StatusCode()
	return &Error{
		Provider:   p,
		Op:         op,
		StatusCode: code,
		Retryable:  code >= http.StatusInternalServerError || code == http.StatusTooManyRequests,
		Err:        fmt.Errorf("unexpected response: %s", truncate(string(resp.Body()), 256)),
	}
}

func decodeBody(p Provider, op string, resp *resty.Response, out any) error {
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &Error{Provider: p, Op: op, StatusCode: resp.StatusCode(), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
