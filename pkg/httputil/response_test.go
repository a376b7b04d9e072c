package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteJSON(w, http.StatusOK, map[string]bool{"allowed": true})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"allowed":true}`, w.Body.String())
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, http.StatusBadRequest, errors.New("test error"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "test error", decodeError(t, w).Error)
}

func TestWriteDetailedError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteDetailedError(w, http.StatusConflict, "quota exceeded", "quota_exceeded", map[string]string{"resource": "skus"})

	body := decodeError(t, w)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "quota_exceeded", body.Reason)
	assert.Equal(t, "skus", body.Details["resource"])
}

func TestStatusHelpers(t *testing.T) {
	tests := []struct {
		name  string
		write func(w http.ResponseWriter)
		code  int
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "m") }, http.StatusBadRequest},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "m") }, http.StatusUnauthorized},
		{"forbidden", func(w http.ResponseWriter) { WriteForbidden(w, "m") }, http.StatusForbidden},
		{"not found", func(w http.ResponseWriter) { WriteNotFoundError(w, "m") }, http.StatusNotFound},
		{"conflict", func(w http.ResponseWriter) { WriteConflict(w, "m") }, http.StatusConflict},
		{"unprocessable", func(w http.ResponseWriter) { WriteUnprocessable(w, "m") }, http.StatusUnprocessableEntity},
		{"internal", func(w http.ResponseWriter) { WriteInternalError(w, errors.New("m")) }, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "m", decodeError(t, w).Error)
		})
	}
}

func TestWriteUnauthorized_Challenge(t *testing.T) {
	w := httptest.NewRecorder()
	WriteUnauthorized(w, "missing token")
	assert.Equal(t, `Bearer realm="gatehouse"`, w.Header().Get("WWW-Authenticate"))
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		after time.Duration
		want  string
	}{
		{"zero rounds to one", 0, "1"},
		{"sub second rounds up", 300 * time.Millisecond, "1"},
		{"fraction rounds up", 1500 * time.Millisecond, "2"},
		{"whole seconds", 30 * time.Second, "30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteServiceUnavailable(w, tt.after, "down")
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Retry-After"))
		})
	}

	w := httptest.NewRecorder()
	WriteTooManyRequests(w, 10*time.Second, "slow down")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "10", w.Header().Get("Retry-After"))
}

func TestWriteCreatedAndAccepted(t *testing.T) {
	w := httptest.NewRecorder()
	assert.NoError(t, WriteCreated(w, map[string]int{"id": 123}))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "123")

	w = httptest.NewRecorder()
	assert.NoError(t, WriteAccepted(w, "/api/v1/propagation/jobs/j-1", map[string]string{"id": "j-1"}))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/api/v1/propagation/jobs/j-1", w.Header().Get("Location"))

	w = httptest.NewRecorder()
	assert.NoError(t, WriteSuccess(w, []string{}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Location"))
}
