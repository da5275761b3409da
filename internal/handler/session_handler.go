package handler

import (
	"net/http"
	"strings"
	"time"

	"podster/internal/domain/session"
	"podster/internal/services"
	"podster/internal/transport/httpdto"
	podster_errors "podster/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CookieConfig controls the auth cookie set on create and join.
type CookieConfig struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

type SessionHandler struct {
	service *services.SessionService
	cookie  CookieConfig
}

func NewSessionHandler(service *services.SessionService, cookie CookieConfig) *SessionHandler {
	return &SessionHandler{service: service, cookie: cookie}
}

func (h *SessionHandler) Create(c *gin.Context) {
	var req httpdto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	result, err := h.service.CreateSession(c.Request.Context(), req.Title, req.HostID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.setAuthCookie(c, result.HostToken)
	c.JSON(http.StatusCreated, httpdto.CreateSessionResponse{
		Session:    result.Session,
		HostToken:  result.HostToken,
		GuestToken: result.GuestToken,
	})
}

func (h *SessionHandler) Get(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	sess, err := h.service.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) Join(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req httpdto.JoinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.GuestName) == "" {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("guestName is required", "INVALID_REQUEST"))
		return
	}
	token, err := h.service.JoinSession(c.Request.Context(), sessionID, strings.TrimSpace(req.GuestName))
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.setAuthCookie(c, token)
	c.JSON(http.StatusOK, httpdto.TokenResponse{Token: token})
}

func (h *SessionHandler) Start(c *gin.Context) {
	sessionID, p, ok := sessionAndPrincipal(c)
	if !ok {
		return
	}
	sess, err := h.service.Start(c.Request.Context(), p, sessionID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) UploadURLs(c *gin.Context) {
	sessionID, p, ok := sessionAndPrincipal(c)
	if !ok {
		return
	}
	var req httpdto.UploadURLsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	kind := session.Kind(strings.ToUpper(strings.TrimSpace(req.Kind)))
	urls, err := h.service.RequestUploadURLs(c.Request.Context(), p, sessionID, req.PartCount, kind)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.UploadURLsResponse{
		UploadID:  urls.UploadID,
		URLs:      urls.URLs,
		TrackID:   urls.TrackID.String(),
		ObjectKey: urls.ObjectKey,
		ExpiresAt: urls.ExpiresAt,
	})
}

func (h *SessionHandler) CompleteUpload(c *gin.Context) {
	sessionID, p, ok := sessionAndPrincipal(c)
	if !ok {
		return
	}
	var req httpdto.CompleteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("uploadId and parts are required", "INVALID_REQUEST"))
		return
	}
	sess, err := h.service.CompleteUpload(c.Request.Context(), p, sessionID, req.UploadID, req.DomainParts())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) Reconcile(c *gin.Context) {
	sessionID, p, ok := sessionAndPrincipal(c)
	if !ok {
		return
	}
	sess, err := h.service.Reconcile(c.Request.Context(), p, sessionID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) TrackDownload(c *gin.Context) {
	sessionID, p, ok := sessionAndPrincipal(c)
	if !ok {
		return
	}
	trackID, err := uuid.Parse(c.Param("trackId"))
	if err != nil {
		_ = c.Error(podster_errors.ErrTrackNotFound)
		return
	}
	url, err := h.service.GetTrackDownloadURL(c.Request.Context(), p, sessionID, trackID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.URLResponse{URL: url})
}

func (h *SessionHandler) Recording(c *gin.Context) {
	sessionID, p, ok := sessionAndPrincipal(c)
	if !ok {
		return
	}
	url, err := h.service.GetRecordingURL(c.Request.Context(), p, sessionID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.URLResponse{URL: url})
}

func (h *SessionHandler) setAuthCookie(c *gin.Context, token string) {
	if h.cookie.Name == "" {
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, token, int(h.cookie.MaxAge.Seconds()), "/", "", h.cookie.Secure, true)
}

// sessionIDParam parses :id. Malformed ids cannot name a session, so they
// are reported as not found.
func sessionIDParam(c *gin.Context) (uuid.UUID, bool) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(podster_errors.ErrSessionNotFound)
		return uuid.Nil, false
	}
	return sessionID, true
}

func sessionAndPrincipal(c *gin.Context) (uuid.UUID, services.Principal, bool) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return uuid.Nil, services.Principal{}, false
	}
	p, ok := services.PrincipalFromContext(c.Request.Context())
	if !ok {
		_ = c.Error(podster_errors.ErrAuthenticationFailed)
		return uuid.Nil, services.Principal{}, false
	}
	return sessionID, p, true
}
