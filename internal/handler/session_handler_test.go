package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestSetAuthCookie(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := &SessionHandler{cookie: CookieConfig{Name: "podster_token", Secure: true, MaxAge: 24 * time.Hour}}
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/sessions", nil)

	h.setAuthCookie(c, "abc")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "podster_token", cookies[0].Name)
	require.Equal(t, "abc", cookies[0].Value)
	require.True(t, cookies[0].HttpOnly)
	require.True(t, cookies[0].Secure)
	require.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
	require.Equal(t, 86400, cookies[0].MaxAge)
}

func TestSetAuthCookie_DisabledWithoutName(t *testing.T) {
	h := &SessionHandler{}
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/sessions", nil)

	h.setAuthCookie(c, "abc")
	require.Empty(t, rec.Result().Cookies())
}

func TestSessionIDParam(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Params = gin.Params{{Key: "id", Value: "nope"}}

	_, ok := sessionIDParam(c)
	require.False(t, ok)
	require.Len(t, c.Errors, 1)
}
