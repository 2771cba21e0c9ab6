// Package transport sends a single dispatch attempt over the wire and
// classifies the result into the outcome taxonomy the rest of the
// engine reasons about.
package transport

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/pkg/model"
)

// maxResponseBody bounds how much of a response body is read into
// memory; beyond this the body is truncated rather than risking an
// unbounded read from a hostile or misbehaving origin.
const maxResponseBody = 10 << 20 // 10 MiB

// Transport sends one RequestDescriptor attempt and returns its
// ResponseRecord. Implementations must respect ctx's deadline and
// never retry internally; retry policy lives one layer up.
type Transport interface {
	Send(ctx context.Context, d *model.RequestDescriptor) model.ResponseRecord
}

// HTTPClient is the production Transport, backed by a connection-pooled
// *http.Client.
type HTTPClient struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPClient builds an HTTPClient. A nil client gets a sensible
// pooled default; a nil logger gets zap's no-op logger.
func NewHTTPClient(client *http.Client, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{client: client, logger: logger}
}

// Send issues the HTTP call described by d, honoring d.Timeout layered
// under ctx's own deadline, whichever is tighter.
func (h *HTTPClient) Send(ctx context.Context, d *model.RequestDescriptor) model.ResponseRecord {
	start := time.Now()

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(d.Body) > 0 {
		body = bytes.NewReader(d.Body)
	}

	req, err := http.NewRequestWithContext(ctx, string(d.Method), d.URL, body)
	if err != nil {
		h.logger.Warn("transport: malformed request", zap.String("url", d.URL), zap.Error(err))
		return record(model.TransportError, 0, nil, nil, start)
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return record(classify(ctx, err), 0, nil, nil, start)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		h.logger.Warn("transport: reading response body", zap.String("url", d.URL), zap.Error(err))
		return record(model.TransportError, resp.StatusCode, headersOf(resp), nil, start)
	}

	outcome := model.Success
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		outcome = model.RateLimited
	case resp.StatusCode >= 400:
		outcome = model.HTTPError
	}

	return record(outcome, resp.StatusCode, headersOf(resp), payload, start)
}

func headersOf(resp *http.Response) model.Headers {
	h := model.NewHeaders()
	for k := range resp.Header {
		h.Set(k, resp.Header.Get(k))
	}
	return h
}

func record(outcome model.OutcomeKind, status int, headers model.Headers, body []byte, start time.Time) model.ResponseRecord {
	return model.ResponseRecord{
		StatusCode: status,
		Headers:    headers,
		Body:       body,
		Attempts:   1,
		WallTime:   time.Since(start).Nanoseconds(),
		Outcome:    outcome,
	}
}

// classify maps a transport-level error into the taxonomy's TIMEOUT,
// CANCELED or TRANSPORT_ERROR buckets.
func classify(ctx context.Context, err error) model.OutcomeKind {
	if ctx.Err() == context.Canceled {
		return model.Canceled
	}
	if ctx.Err() == context.DeadlineExceeded {
		return model.Timeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.Timeout
	}

	var certErr x509.UnknownAuthorityError
	if errors.As(err, &certErr) {
		return model.TransportError
	}

	return model.TransportError
}

// ParseRetryAfter parses an HTTP Retry-After header, which is either a
// delta-seconds integer or an HTTP-date. A zero duration means absent
// or unparsable.
func ParseRetryAfter(h model.Headers, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := when.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
