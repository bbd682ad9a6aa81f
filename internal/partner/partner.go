// Package partner is the shared outbound HTTP client used by the bank and
// exchange adapters. Every call is a single request; failures come back as
// a tagged Result rather than an error.
package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/fundgate/internal/apierr"
)

const (
	ConnectTimeout = 10 * time.Second
	RequestTimeout = 30 * time.Second
	maxBody        = 4 << 20
	excerptLen     = 512
)

type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindTimeout   ErrorKind = "timeout"
	KindDecode    ErrorKind = "decode"
	Kind4xx       ErrorKind = "partner_4xx"
	Kind5xx       ErrorKind = "partner_5xx"
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// NewHTTPClient returns a client with the gateway's outbound timeouts.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	return &http.Client{Transport: transport, Timeout: RequestTimeout}
}

type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers http.Header
	// Body is sent as-is. Adapters that sign requests marshal it first.
	Body []byte
}

// Result is the normalized outcome of one partner call.
type Result struct {
	Success bool            `json:"success"`
	Status  int             `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    ErrorKind       `json:"kind,omitempty"`
	Partner string          `json:"-"`
}

// Fail builds a failed result of the given kind.
func Fail(partnerName string, kind ErrorKind, status int, msg string) Result {
	return Result{Partner: partnerName, Kind: kind, Status: status, Error: msg}
}

// Err returns nil for a successful result and a partner error otherwise.
func (r Result) Err() error {
	return r.ErrAs("Partner request failed")
}

// ErrAs is Err with a caller-facing message. The partner's own error text
// is kept as the detail.
func (r Result) ErrAs(message string) error {
	if r.Success {
		return nil
	}
	return apierr.Partner(message, r.Error, map[string]any{
		"partner": r.Partner,
		"kind":    string(r.Kind),
		"status":  r.Status,
	})
}

// LookupErr is ErrAs for reads of a single partner record, reported as 404.
func (r Result) LookupErr(message string) error {
	if r.Success {
		return nil
	}
	return apierr.PartnerNotFound(message, r.Error, map[string]any{
		"partner": r.Partner,
		"kind":    string(r.Kind),
		"status":  r.Status,
	})
}

// JSON renders the result for storage alongside a ledger record.
func (r Result) JSON() json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return b
}

type Client struct {
	Name    string
	BaseURL string
	HTTP    Doer
	Logger  *slog.Logger
}

func NewClient(name, baseURL string, doer Doer, logger *slog.Logger) *Client {
	if doer == nil {
		doer = NewHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{Name: name, BaseURL: strings.TrimRight(baseURL, "/"), HTTP: doer, Logger: logger}
}

// Do performs exactly one call. It never retries.
func (c *Client) Do(ctx context.Context, req Request) Result {
	target := c.BaseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return Fail(c.Name, KindTransport, 0, fmt.Sprintf("failed to build request: %v", err))
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		kind := KindTransport
		if isTimeout(err) {
			kind = KindTimeout
		}
		c.Logger.Warn("partner_call_failed", "partner", c.Name, "method", req.Method, "path", req.Path, "kind", kind, "error", err.Error())
		return Fail(c.Name, kind, 0, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		kind := KindTransport
		if isTimeout(err) {
			kind = KindTimeout
		}
		return Fail(c.Name, kind, resp.StatusCode, fmt.Sprintf("failed to read response: %v", err))
	}

	c.Logger.Info("partner_call",
		"partner", c.Name,
		"method", req.Method,
		"path", req.Path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := Kind4xx
		if resp.StatusCode >= 500 {
			kind = Kind5xx
		}
		return Fail(c.Name, kind, resp.StatusCode, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, excerpt(raw)))
	}

	res := Result{Success: true, Status: resp.StatusCode, Partner: c.Name}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return res
	}
	if !json.Valid(trimmed) {
		return Fail(c.Name, KindDecode, resp.StatusCode, "invalid JSON response: "+excerpt(trimmed))
	}
	res.Data = json.RawMessage(trimmed)
	return res
}

// Decode unmarshals a successful result's data into T. A failed input is
// returned unchanged; a body that does not fit T becomes a decode failure.
func Decode[T any](res Result) (T, Result) {
	var out T
	if !res.Success {
		return out, res
	}
	if len(res.Data) == 0 {
		return out, res
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return out, Fail(res.Partner, KindDecode, res.Status, "failed to decode response: "+err.Error())
	}
	return out, res
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > excerptLen {
		s = s[:excerptLen] + "..."
	}
	return s
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
