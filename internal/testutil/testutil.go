// Package testutil holds HTTP helpers shared by handler tests.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// LoopbackAddr is the remote address given to test requests. tsweb only
// serves /debug/ routes to loopback clients.
const LoopbackAddr = "127.0.0.1:12345"

// LocalRequest returns a request that appears to come from localhost.
func LocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = LoopbackAddr
	return req
}

// Serve runs r through h and returns the recorded response.
func Serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

// Get serves a local GET of path.
func Get(h http.Handler, path string) *httptest.ResponseRecorder {
	return Serve(h, LocalRequest(http.MethodGet, path, nil))
}

// DecodeJSON decodes the recorded body, failing the test on error.
func DecodeJSON[T any](t testing.TB, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}
