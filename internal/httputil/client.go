package httputil

import (
	"net/http"
	"net/http/httptest"
	"sync"
)

// HTTPClient is the part of *http.Client the service client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HandlerClient serves requests in-process through an http.Handler and
// records them. It lets client code run against a real handler tree without
// opening a socket.
type HandlerClient struct {
	Handler http.Handler

	mu       sync.Mutex
	requests []*http.Request
}

// NewHandlerClient returns a client backed by h.
func NewHandlerClient(h http.Handler) *HandlerClient {
	return &HandlerClient{Handler: h}
}

// Do dispatches req to the handler and returns the recorded response.
func (c *HandlerClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if req.RemoteAddr == "" {
		req.RemoteAddr = "127.0.0.1:0"
	}
	if req.RequestURI == "" {
		req.RequestURI = req.URL.RequestURI()
	}
	rec := httptest.NewRecorder()
	c.Handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// RequestCount returns the number of requests served.
func (c *HandlerClient) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Request returns the nth request served, or nil.
func (c *HandlerClient) Request(n int) *http.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 0 || n >= len(c.requests) {
		return nil
	}
	return c.requests[n]
}
