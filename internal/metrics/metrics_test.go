package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestRequestMiddlewareCountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	r := gin.New()
	r.Use(RequestMiddleware(m))
	r.GET("/sessions/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/abc", nil))
	}

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, w.Body.String(), `podster_http_requests_total{route="/sessions/:id",status="4xx"} 2`)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.IncUploadsCompleted()
	m.IncRelayDropped("target_missing")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := w.Body.String()
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(body, "podster_uploads_completed_total 1"))
	require.True(t, strings.Contains(body, `podster_relay_dropped_total{reason="target_missing"} 1`))
}
