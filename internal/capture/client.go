// internal/capture/client.go
// Package capture issues outbound HTTP requests against live upstreams and
// normalizes the results into storable form. It is shared by the interactive
// validate path and the scheduled refresh engine.
package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/commandcenter/servicevirt-go/internal/model"
)

// ErrTimeout is returned when a capture exceeds its deadline. Timeouts are
// reported distinctly from other transport failures so the refresh engine
// can log them apart.
var ErrTimeout = errors.New("capture timed out")

// Request describes a single outbound capture attempt.
type Request struct {
	Method     model.Operation   // HTTP method; defaults to GET when empty
	URL        string            // Absolute upstream URL
	Headers    map[string]string // Explicit request headers
	Parameters map[string]string // Query parameters merged into the URL
	Body       string            // Request body (ignored for BodyNone)
	BodyKind   model.BodyKind    // How to encode the body
	Auth       model.AuthConfig  // Authorization header derivation
}

// Result is a normalized capture. An HTTP error status (4xx/5xx) is still a
// successful capture; only transport-level failures are errors.
type Result struct {
	StatusCode    int               // HTTP status of the upstream response
	ElapsedMS     int64             // Wall-clock time around the call only
	Body          any               // Parsed JSON structure, or the raw text when not JSON
	RawBody       string            // Response body exactly as received
	Headers       map[string]string // Response headers, flattened
	ContentLength int               // Byte length of the raw body
}

// Client issues captures with a bounded-dial HTTP client. The zero timeout
// means no overall request deadline (the interactive validate path); the
// refresh engine always passes a bounded context instead.
type Client struct {
	hc *http.Client
}

// New creates a capture client. A non-zero timeout bounds every request
// issued through the client; callers may additionally bound individual
// captures through the context.
func New(timeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}

	return &Client{
		hc: &http.Client{Transport: transport, Timeout: timeout},
	}
}

// Execute issues the request and normalizes the response. The elapsed time
// covers only the network call, not request assembly or JSON parsing.
// Transport errors and timeouts are returned as errors; HTTP-level error
// statuses are successful captures.
func (c *Client) Execute(ctx context.Context, req Request) (*Result, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build capture request: %w", err)
	}

	start := time.Now()
	resp, err := c.hc.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s after %dms", ErrTimeout, req.Method, req.URL, elapsed.Milliseconds())
		}
		return nil, fmt.Errorf("capture request failed: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture response: %w", err)
	}

	// Flatten response headers; multi-valued headers keep the first value,
	// matching what the console displays.
	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	return &Result{
		StatusCode:    resp.StatusCode,
		ElapsedMS:     elapsed.Milliseconds(),
		Body:          normalizeBody(rawBody),
		RawBody:       string(rawBody),
		Headers:       headers,
		ContentLength: len(rawBody),
	}, nil
}

// buildRequest assembles the outbound http.Request: query parameters merged
// into the URL, body encoded per its kind, and the authorization header
// derived from the auth config.
func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid capture URL %q: %w", req.URL, err)
	}

	// Merge explicit query parameters into any already on the URL
	q := u.Query()
	for k, v := range req.Parameters {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	method := string(model.ParseOperation(string(req.Method)))

	var body io.Reader
	contentType := ""
	switch req.BodyKind {
	case model.BodyJSON:
		if req.Body != "" {
			body = strings.NewReader(req.Body)
			contentType = "application/json"
		}
	case model.BodyForm:
		if req.Body != "" {
			form, err := encodeForm(req.Body)
			if err != nil {
				return nil, err
			}
			body = strings.NewReader(form)
			contentType = "application/x-www-form-urlencoded"
		}
	case model.BodyRaw:
		if req.Body != "" {
			body = strings.NewReader(req.Body)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	applyAuth(httpReq, req.Auth)

	return httpReq, nil
}

// encodeForm converts a JSON object of string fields into a urlencoded body.
func encodeForm(jsonBody string) (string, error) {
	var fields map[string]string
	if err := json.Unmarshal([]byte(jsonBody), &fields); err != nil {
		return "", fmt.Errorf("invalid form body: %w", err)
	}
	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	return values.Encode(), nil
}

// applyAuth derives the authorization header for the configured scheme.
// Basic auth is base64 of username:password.
func applyAuth(req *http.Request, auth model.AuthConfig) {
	switch auth.Type {
	case model.AuthBearer:
		if auth.Token != "" {
			req.Header.Set("Authorization", "Bearer "+auth.Token)
		}
	case model.AuthBasic:
		if auth.Username != "" && auth.Password != "" {
			credentials := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
			req.Header.Set("Authorization", "Basic "+credentials)
		}
	case model.AuthAPIKey:
		keyName := auth.KeyName
		if keyName == "" {
			keyName = "X-API-Key"
		}
		if auth.KeyValue != "" {
			req.Header.Set(keyName, auth.KeyValue)
		}
	}
}

// normalizeBody attempts to parse the body as JSON, falling back to the raw
// text unmodified. The fallback is the normal path for non-JSON upstreams
// and never raises.
func normalizeBody(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return string(raw)
	}

	var parsed any
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return string(raw)
	}
	return parsed
}

// isTimeout distinguishes deadline expiry from other transport failures.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
