package testutil

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAndDecode(t *testing.T) {
	t.Parallel()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"method":"` + r.Method + `","remote":"` + r.RemoteAddr + `","path":"` + r.URL.Path + `"}`))
	})

	rec := Get(h, "/api/x")
	assert.Equal(t, http.StatusOK, rec.Code)
	got := DecodeJSON[map[string]string](t, rec)
	assert.Equal(t, map[string]string{"method": "GET", "remote": LoopbackAddr, "path": "/api/x"}, got)

	rec = Serve(h, LocalRequest(http.MethodPost, "/p", nil))
	assert.Contains(t, rec.Body.String(), `"method":"POST"`)
}
