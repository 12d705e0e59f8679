package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "json", "info")
	require.NoError(t, err)

	h := Middleware(logger, Environment{Service: "provenance-api", Instance: "api-1"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			AddField(r.Context(), "batch_id", "KA-WHE-DE-000001")
			w.WriteHeader(http.StatusCreated)
		}),
	)
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", nil)
	req.Header.Set(RequestIDHeader, "req_fixed")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req_fixed", rec.Header().Get(RequestIDHeader))
	var line struct {
		Msg   string         `json:"msg"`
		Event map[string]any `json:"event"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "http_request", line.Msg)
	assert.Equal(t, "KA-WHE-DE-000001", line.Event["batch_id"])
	assert.Equal(t, "api-1", line.Event["instance"])
	assert.EqualValues(t, http.StatusCreated, line.Event["status_code"])
	assert.Equal(t, "success", line.Event["outcome"])
}

func TestMiddlewareGeneratesRequestID(t *testing.T) {
	logger, err := New(&bytes.Buffer{}, "text", "debug")
	require.NoError(t, err)
	h := Middleware(logger, Environment{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Regexp(t, `^req_[0-9a-f-]{36}$`, rec.Header().Get(RequestIDHeader))
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "xml", "info")
	assert.Error(t, err)
	_, err = New(&bytes.Buffer{}, "json", "loud")
	assert.Error(t, err)
}

func TestAddFieldWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NotPanics(t, func() { AddField(req.Context(), "k", "v") })
}
