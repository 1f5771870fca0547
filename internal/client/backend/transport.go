package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is one backend call. Path is relative to the transport's base URL.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Response is the raw backend answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs requests. Implementations return an error only when no
// response was obtained; non-2xx answers are returned as responses.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

func (f TransportFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// MaxResponseBytes caps how much of a response body is read.
const MaxResponseBytes = 8 << 20

// HTTPTransport sends requests with net/http.
type HTTPTransport struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPTransport targets baseURL. A nil client gets a 60s timeout client.
func NewHTTPTransport(baseURL string, client *http.Client) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPTransport{base: u, client: client}, nil
}

func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	ref, err := url.Parse(strings.TrimLeft(req.Path, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", req.Path, err)
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.base.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}
