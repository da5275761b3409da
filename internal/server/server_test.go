package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"podster/config"
	"podster/internal/domain/session"
	"podster/internal/handler"
	"podster/internal/metrics"
	"podster/internal/repository"
	"podster/internal/services"
	"podster/internal/storage"
	"podster/internal/transport/httpdto"
	"podster/internal/websocket"
	podster_errors "podster/pkg/errors"
	"podster/pkg/logger"
)

type memoryStorage struct {
	mu      sync.Mutex
	n       int
	objects map[string]bool
	parts   map[string][]session.Part
}

func (m *memoryStorage) Bucket() string { return "podster" }
func (m *memoryStorage) Provider() session.StorageProvider { return session.ProviderR2 }
func (m *memoryStorage) UploadURLTTL() time.Duration { return time.Hour }

func (m *memoryStorage) CreateMultipartUpload(ctx context.Context, key string, partCount int) (storage.MultipartUpload, error) {
	m.mu.Lock()
	m.n++
	uploadID := fmt.Sprintf("mpu-%d", m.n)
	m.mu.Unlock()
	urls, err := m.PresignParts(ctx, key, uploadID, partCount)
	return storage.MultipartUpload{UploadID: uploadID, Key: key, URLs: urls}, err
}

func (m *memoryStorage) PresignParts(_ context.Context, key, uploadID string, partCount int) ([]string, error) {
	urls := make([]string, partCount)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://r2.test/%s?uploadId=%s&partNumber=%d", key, uploadID, i+1)
	}
	return urls, nil
}

func (m *memoryStorage) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []session.Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = true
	m.parts[uploadID] = storage.SortParts(parts)
	return nil
}

func (m *memoryStorage) AbortMultipartUpload(context.Context, string, string) error { return nil }

func (m *memoryStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key], nil
}

func (m *memoryStorage) GetSignedDownloadURL(ctx context.Context, key string, _ time.Duration) (string, error) {
	if ok, _ := m.ObjectExists(ctx, key); !ok {
		return "", podster_errors.ErrStorageObjectNotFound
	}
	return "https://r2.test/" + key + "?signature=x", nil
}

type testAPI struct {
	t       *testing.T
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := &config.Config{
		AppMode:        TestMode,
		HostJWTSecret:  "host-secret",
		GuestJWTSecret: "guest-secret",
		TokenTTLHours:  24,
		CookieName:     "podster_token",
	}
	l := logger.NewNop()
	m := metrics.New()
	auth := services.NewAuthService(cfg)
	store := &memoryStorage{objects: map[string]bool{}, parts: map[string][]session.Part{}}
	sessions := services.NewSessionService(repository.NewMemorySessionRepository(), store, auth, services.NewKeyedMutex(), m, l, time.Hour)
	hub := websocket.NewHub(8, m, l)

	s := New(cfg, l)
	s.SetupRoutes(&Handlers{
		Sessions: handler.NewSessionHandler(sessions, handler.CookieConfig{Name: cfg.CookieName, MaxAge: cfg.TokenTTL()}),
		Relay:    websocket.NewHandler(auth, sessions, hub, websocket.HandlerConfig{CookieName: cfg.CookieName}),
	}, Deps{Auth: auth, Metrics: m})
	return &testAPI{t: t, handler: s.Handler()}
}

func (a *testAPI) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAPI_EndToEndUpload(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/sessions", "", map[string]string{"title": "Demo Session"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Contains(t, rec.Header().Get("Set-Cookie"), "podster_token=")
	require.Contains(t, rec.Header().Get("Set-Cookie"), "HttpOnly")
	created := decode[httpdto.CreateSessionResponse](t, rec)
	require.Equal(t, session.StatusDraft, created.Session.Status)
	require.NotEmpty(t, created.HostToken)
	require.NotEmpty(t, created.GuestToken)
	base := "/sessions/" + created.Session.ID.String()

	rec = api.do(http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Demo Session", decode[session.Session](t, rec).Title)

	rec = api.do(http.MethodPost, base+"/join", "", map[string]string{"guestName": "Ada"})
	require.Equal(t, http.StatusOK, rec.Code)
	guestToken := decode[httpdto.TokenResponse](t, rec).Token
	require.NotEmpty(t, guestToken)

	rec = api.do(http.MethodPost, base+"/upload-urls", "", map[string]int{"partCount": 2})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = api.do(http.MethodPost, base+"/upload-urls", guestToken, map[string]int{"partCount": 2})
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = api.do(http.MethodPost, base+"/upload-urls", created.HostToken, map[string]int{"partCount": 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.do(http.MethodPost, base+"/upload-urls", created.HostToken, map[string]int{"partCount": session.MaxPartCount + 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, base+"/upload-urls", created.HostToken, map[string]int{"partCount": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	urls := decode[httpdto.UploadURLsResponse](t, rec)
	require.NotEmpty(t, urls.UploadID)
	require.Len(t, urls.URLs, 2)
	require.NotEqual(t, urls.URLs[0], urls.URLs[1])
	require.True(t, strings.HasSuffix(urls.ObjectKey, ".webm"))

	rec = api.do(http.MethodGet, base, "", nil)
	sess := decode[session.Session](t, rec)
	require.Equal(t, session.StatusUploading, sess.Status)
	require.Len(t, sess.Tracks, 1)
	require.NotContains(t, rec.Body.String(), urls.UploadID)
	require.NotContains(t, rec.Body.String(), "uploadTarget")

	rec = api.do(http.MethodGet, base+"/recording", guestToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPost, base+"/complete-upload", created.HostToken, map[string]any{
		"uploadId": urls.UploadID,
		"parts": []map[string]any{
			{"partNumber": 2, "etag": "d2"},
			{"partNumber": 1, "etag": "d1"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[session.Session](t, rec)
	require.Equal(t, session.StatusComplete, done.Status)
	require.Len(t, done.Tracks, 1)
	require.NotNil(t, done.Tracks[0].CompletedAt)
	require.Equal(t, []session.Part{{PartNumber: 1, ETag: "d1"}, {PartNumber: 2, ETag: "d2"}}, done.Tracks[0].Parts)

	for _, path := range []string{base + "/recording", "/api" + base + "/recording"} {
		rec = api.do(http.MethodGet, path, guestToken, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.Contains(t, decode[httpdto.URLResponse](t, rec).URL, urls.ObjectKey)
	}

	rec = api.do(http.MethodGet, base+"/tracks/"+done.Tracks[0].ID.String()+"/download", created.HostToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, base+"/start", created.HostToken, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "CONFLICT", decode[httpdto.Response[any]](t, rec).Code)
}

func TestAPI_GuestScopedToItsSession(t *testing.T) {
	api := newTestAPI(t)

	first := decode[httpdto.CreateSessionResponse](t, api.do(http.MethodPost, "/sessions", "", map[string]string{"title": "One"}))
	second := decode[httpdto.CreateSessionResponse](t, api.do(http.MethodPost, "/sessions", "", map[string]string{"title": "Two"}))

	rec := api.do(http.MethodPost, "/sessions/"+second.Session.ID.String()+"/start", first.GuestToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodGet, "/sessions/"+second.Session.ID.String()+"/recording", first.GuestToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// A host only controls the sessions it created.
	rec = api.do(http.MethodPost, "/sessions/"+second.Session.ID.String()+"/upload-urls", first.HostToken, map[string]int{"partCount": 1})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, "/sessions/"+first.Session.ID.String()+"/start", first.GuestToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, session.StatusLive, decode[session.Session](t, rec).Status)
}

func TestAPI_NotFoundAndValidation(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/sessions/not-a-uuid", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NOT_FOUND", decode[httpdto.Response[any]](t, rec).Code)

	rec = api.do(http.MethodGet, "/sessions/6f1c2a8e-0a7b-4a53-9a57-2f9c1f0f6d11", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPost, "/sessions/6f1c2a8e-0a7b-4a53-9a57-2f9c1f0f6d11/join", "", map[string]string{"guestName": "Ada"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPost, "/sessions", "", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/ping", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "podster_http_requests_total")
}
