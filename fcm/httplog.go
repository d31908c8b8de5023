package fcm

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// debugHTTPClient wraps base with wire logging when logger has Debug
// enabled, and returns base unchanged otherwise.
func debugHTTPClient(base *http.Client, logger *slog.Logger) *http.Client {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return base
	}
	inner := base.Transport
	if inner == nil {
		inner = http.DefaultTransport
	}
	wrapped := *base
	wrapped.Transport = &loggingRoundTripper{inner: inner, logger: logger}
	return &wrapped
}

// loggingRoundTripper logs requests and responses at Debug level. The
// Authorization header is shortened; it carries the device secret.
type loggingRoundTripper struct {
	inner  http.RoundTripper
	logger *slog.Logger
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	headers := make([]any, 0, len(req.Header))
	for k, v := range req.Header {
		val := strings.Join(v, ", ")
		if k == "Authorization" {
			val = truncate(val, 12) + "..."
		}
		headers = append(headers, slog.String(k, val))
	}
	reqLen := 0
	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		reqLen = len(body)
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	t.logger.Debug(">>> "+req.Method, "url", req.URL.String(), "body_len", reqLen, slog.Group("headers", headers...))

	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		t.logger.Debug("<<< error", "url", req.URL.String(), "error", err)
		return nil, err
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	t.logger.Debug("<<< "+resp.Status, "url", req.URL.String(), "body_len", len(body), "body", truncate(string(body), 200))
	return resp, nil
}

// truncate returns the first maxLen characters of s, or s itself if shorter.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
