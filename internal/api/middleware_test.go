package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
	"github.com/akshatrathore1/Panacea-sub000/internal/service"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestBearerAuthMiddleware(t *testing.T) {
	h := BearerAuthMiddleware("s3cret")(okHandler)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/v1/batches", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))

	req := httptest.NewRequest(http.MethodGet, "/v1/batches", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/batches", nil)
	req.Header.Set("Authorization", "bearer s3cret")
	assert.Equal(t, http.StatusNoContent, serve(h, req).Code)

	assert.Equal(t, http.StatusNoContent, serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

func TestIPAllowListMiddleware(t *testing.T) {
	_, err := IPAllowListMiddleware([]string{"not-a-cidr"})
	require.Error(t, err)

	mw, err := IPAllowListMiddleware([]string{"10.0.0.0/8", " "})
	require.NoError(t, err)
	h := mw(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, http.StatusNoContent, serve(h, req).Code)

	req.RemoteAddr = "192.168.1.1:5555"
	rec := serve(h, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, rec))

	open, err := IPAllowListMiddleware(nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, serve(open(okHandler), req).Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(0.001, 2, time.Minute)(okHandler)

	first := httptest.NewRequest(http.MethodGet, "/", nil)
	first.RemoteAddr = "10.0.0.1:1000"
	assert.Equal(t, http.StatusNoContent, serve(h, first).Code)
	assert.Equal(t, http.StatusNoContent, serve(h, first).Code)

	rec := serve(h, first)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, service.CodeRateLimited, errorCode(t, rec))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "10.0.0.2:1000"
	assert.Equal(t, http.StatusNoContent, serve(h, other).Code, "buckets are per client")

	disabled := RateLimitMiddleware(0, 0, 0)(okHandler)
	for range 5 {
		assert.Equal(t, http.StatusNoContent, serve(disabled, first).Code)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	serve(Chain(okHandler, tag("outer"), tag("inner")), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}
