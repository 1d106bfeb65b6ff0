package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func healthRouter(dbErr error, workerReady, mirrorReady bool) *gin.Engine {
	handler := NewHealthHandler(
		func(ctx context.Context) error { return dbErr },
		func() bool { return workerReady },
		func() bool { return mirrorReady },
	)
	router := gin.New()
	router.GET("/healthcheck", handler.Healthcheck)
	return router
}

func TestHealthcheck_OK(t *testing.T) {
	router := healthRouter(nil, true, true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthcheck", http.NoBody)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-cache, no-store, max-age=0, must-revalidate", w.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHealthcheck_DatabaseDown(t *testing.T) {
	router := healthRouter(errors.New("connection refused"), true, true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthcheck", http.NoBody)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "database unreachable")
}

func TestHealthcheck_WorkerStopped(t *testing.T) {
	router := healthRouter(nil, false, true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthcheck", http.NoBody)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "sync worker stopped")
}

func TestHealthcheck_InitialSyncPending(t *testing.T) {
	router := healthRouter(nil, true, false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthcheck", http.NoBody)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "initial sync not completed")
}
