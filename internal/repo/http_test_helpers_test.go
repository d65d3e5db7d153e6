package repo

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(rt roundTripFunc) *http.Client {
	return &http.Client{Transport: rt}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

// newTestBackend returns a client whose retries never sleep; the waits are recorded.
func newTestBackend(rt roundTripFunc, opts Options) (*BackendClient, *[]time.Duration) {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://backend.test/api"
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	client := NewBackendClient(opts)
	client.httpClient = newTestClient(rt)
	client.streamClient = newTestClient(rt)
	var waits []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return client, &waits
}
