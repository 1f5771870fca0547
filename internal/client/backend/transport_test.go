package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPTransport_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"ftp://example.com", "example.com", "://bad"} {
		_, err := NewHTTPTransport(u, nil)
		assert.Error(t, err, u)
	}
}

func TestHTTPTransport_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Path", r.URL.Path)
		w.Header().Set("X-Custom", r.Header.Get("X-Custom"))
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL+"/api/", srv.Client())
	require.NoError(t, err)

	resp, err := tr.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/v1/subscribers/u1",
		Header: http.Header{"X-Custom": {"yes"}},
		Body:   []byte("ping"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "/api/v1/subscribers/u1", resp.Header.Get("X-Path"))
	assert.Equal(t, "yes", resp.Header.Get("X-Custom"))
	assert.Equal(t, []byte("ping"), resp.Body)
}

func TestHTTPTransport_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	tr, err := NewHTTPTransport(srv.URL, srv.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Do(ctx, &Request{Method: http.MethodGet, Path: "/"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestTransportFunc(t *testing.T) {
	var got *Request
	tr := TransportFunc(func(_ context.Context, req *Request) (*Response, error) {
		got = req
		return &Response{StatusCode: http.StatusOK}, nil
	})
	req := &Request{Method: http.MethodGet, Path: "/x"}
	resp, err := tr.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Same(t, req, got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
