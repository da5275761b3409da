package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"podster/config"
	"podster/internal/domain/session"
	"podster/internal/metrics"
	"podster/internal/services"
	podster_errors "podster/pkg/errors"
	"podster/pkg/logger"
)

const minimalSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type fakeSessions map[uuid.UUID]string

func (f fakeSessions) AuthorizeJoin(_ context.Context, p services.Principal, id uuid.UUID) error {
	hostID, ok := f[id]
	if !ok {
		return podster_errors.ErrSessionNotFound
	}
	return services.AuthorizeSession(p, &session.Session{ID: id, HostID: hostID})
}

type relayFixture struct {
	server    *httptest.Server
	auth      *services.AuthService
	hub       *Hub
	sessionID uuid.UUID
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth := services.NewAuthService(&config.Config{
		HostJWTSecret:  "host-secret",
		GuestJWTSecret: "guest-secret",
		TokenTTLHours:  1,
	})
	sessionID := uuid.New()
	hub := NewHub(8, metrics.New(), logger.NewNop())
	h := NewHandler(auth, fakeSessions{sessionID: "host-1"}, hub, HandlerConfig{
		CookieName:           "podster_token",
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 100,
	})

	r := gin.New()
	r.GET("/ws", h.Connect)
	srv := httptest.NewServer(r)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &relayFixture{server: srv, auth: auth, hub: hub, sessionID: sessionID}
}

func (f *relayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *relayFixture) hostToken(t *testing.T) string {
	token, err := f.auth.IssueHostToken("host-1")
	require.NoError(t, err)
	return token
}

func (f *relayFixture) guestToken(t *testing.T, sessionID uuid.UUID) string {
	token, err := f.auth.IssueGuestToken(sessionID, "Guest")
	require.NoError(t, err)
	return token
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// clientFrame is everything a participant can receive: relay frames plus
// forwarded signals.
type clientFrame struct {
	outboundMessage
	From      string                     `json:"from"`
	Offer     *webrtc.SessionDescription `json:"offer"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate"`
	raw       map[string]json.RawMessage
}

func readFrame(t *testing.T, conn *websocket.Conn) clientFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg clientFrame
	require.NoError(t, json.Unmarshal(data, &msg))
	require.NoError(t, json.Unmarshal(data, &msg.raw))
	return msg
}

func joinRoom(t *testing.T, conn *websocket.Conn, sessionID uuid.UUID) string {
	t.Helper()
	send(t, conn, map[string]string{"type": "join-room", "sessionId": sessionID.String()})
	msg := readFrame(t, conn)
	require.Equal(t, messageTypeJoined, msg.Type)
	require.Equal(t, sessionID.String(), msg.SessionID)
	require.NotEmpty(t, msg.SocketID)
	return msg.SocketID
}

func TestRelay_RejectsUnauthenticatedUpgrade(t *testing.T) {
	f := newRelayFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelay_ForwardsOnlyToTarget(t *testing.T) {
	f := newRelayFixture(t)

	host := f.dial(t, f.hostToken(t))
	guestB := f.dial(t, f.guestToken(t, f.sessionID))
	guestC := f.dial(t, f.guestToken(t, f.sessionID))

	hostID := joinRoom(t, host, f.sessionID)

	bID := joinRoom(t, guestB, f.sessionID)
	announce := readFrame(t, host)
	require.Equal(t, messageTypeUserJoined, announce.Type)
	require.Equal(t, bID, announce.SocketID)

	cID := joinRoom(t, guestC, f.sessionID)
	require.Equal(t, cID, readFrame(t, host).SocketID)
	require.Equal(t, cID, readFrame(t, guestB).SocketID)

	send(t, host, map[string]any{
		"type":  "offer",
		"to":    bID,
		"offer": map[string]string{"type": "offer", "sdp": minimalSDP},
	})
	got := readFrame(t, guestB)
	require.Equal(t, messageTypeOffer, got.Type)
	require.Equal(t, hostID, got.From)
	require.NotNil(t, got.Offer)
	require.Equal(t, webrtc.SDPTypeOffer, got.Offer.Type)
	require.Equal(t, minimalSDP, got.Offer.SDP)

	// C's next frame is the reply to its own ping, so the offer never reached it.
	send(t, guestC, map[string]string{"type": "ping"})
	require.Equal(t, messageTypePong, readFrame(t, guestC).Type)

	send(t, guestB, map[string]any{
		"type":      "ice-candidate",
		"to":        hostID,
		"candidate": map[string]any{"candidate": "candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host", "sdpMid": "0"},
	})
	ice := readFrame(t, host)
	require.Equal(t, messageTypeICECandidate, ice.Type)
	require.Equal(t, bID, ice.From)
	require.NotNil(t, ice.Candidate)
	require.Contains(t, ice.Candidate.Candidate, "typ host")
}

func TestRelay_ForwardKeepsSenderFields(t *testing.T) {
	f := newRelayFixture(t)

	host := f.dial(t, f.hostToken(t))
	guest := f.dial(t, f.guestToken(t, f.sessionID))
	hostID := joinRoom(t, host, f.sessionID)
	guestID := joinRoom(t, guest, f.sessionID)
	readFrame(t, host) // user-joined

	send(t, guest, map[string]any{
		"type":      "ice-candidate",
		"to":        hostID,
		"candidate": map[string]any{"candidate": "candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host"},
		"meta":      map[string]string{"name": "Ada"},
	})
	got := readFrame(t, host)
	require.Equal(t, guestID, got.From)
	require.JSONEq(t, `{"name":"Ada"}`, string(got.raw["meta"]))
	require.JSONEq(t, `{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host"}`, string(got.raw["candidate"]))
	require.NotContains(t, got.raw, "to")
}

func TestRelay_JoinRejectedClosesConnection(t *testing.T) {
	f := newRelayFixture(t)

	// Guest token for a different session.
	other := f.dial(t, f.guestToken(t, uuid.New()))
	send(t, other, map[string]string{"type": "join-room", "sessionId": f.sessionID.String()})
	msg := readFrame(t, other)
	require.Equal(t, messageTypeError, msg.Type)
	require.Contains(t, msg.Message, "forbidden")

	require.NoError(t, other.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := other.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())

	// Host token whose subject is not the session's host.
	token, err := f.auth.IssueHostToken("host-2")
	require.NoError(t, err)
	intruder := f.dial(t, token)
	send(t, intruder, map[string]string{"type": "join-room", "sessionId": f.sessionID.String()})
	require.Equal(t, messageTypeError, readFrame(t, intruder).Type)

	require.Eventually(t, func() bool { return f.hub.RoomSize(f.sessionID.String()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_InvalidSignalsAreRejected(t *testing.T) {
	f := newRelayFixture(t)

	host := f.dial(t, f.hostToken(t))
	guest := f.dial(t, f.guestToken(t, f.sessionID))

	send(t, host, map[string]any{"type": "offer", "to": "x", "offer": map[string]string{"type": "offer", "sdp": minimalSDP}})
	require.Equal(t, errNotJoined.Error(), readFrame(t, host).Message)

	joinRoom(t, host, f.sessionID)
	guestID := joinRoom(t, guest, f.sessionID)
	readFrame(t, host) // user-joined

	send(t, host, map[string]any{"type": "offer", "to": guestID, "offer": map[string]string{"type": "offer", "sdp": "not sdp"}})
	require.Contains(t, readFrame(t, host).Message, errInvalidSDP.Error())

	send(t, host, map[string]any{"type": "answer", "to": guestID, "answer": map[string]string{"type": "offer", "sdp": minimalSDP}})
	require.Contains(t, readFrame(t, host).Message, errInvalidSDP.Error())

	send(t, host, map[string]any{"type": "ice-candidate", "to": guestID, "candidate": map[string]string{"candidate": ""}})
	require.Equal(t, errEmptyCandidate.Error(), readFrame(t, host).Message)

	send(t, host, map[string]any{"type": "offer", "to": uuid.NewString(), "offer": map[string]string{"type": "offer", "sdp": minimalSDP}})
	require.Equal(t, errUnknownTarget.Error(), readFrame(t, host).Message)

	// Connection survives rejected signals.
	send(t, host, map[string]string{"type": "ping"})
	require.Equal(t, messageTypePong, readFrame(t, host).Type)
}

func TestRelay_DisconnectTearsDownMembership(t *testing.T) {
	f := newRelayFixture(t)

	host := f.dial(t, f.hostToken(t))
	guest := f.dial(t, f.guestToken(t, f.sessionID))
	joinRoom(t, host, f.sessionID)
	joinRoom(t, guest, f.sessionID)
	readFrame(t, host)
	require.Equal(t, 2, f.hub.RoomSize(f.sessionID.String()))

	require.NoError(t, guest.Close())
	require.Eventually(t, func() bool { return f.hub.RoomSize(f.sessionID.String()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// No leave event is sent to the remaining member.
	send(t, host, map[string]string{"type": "ping"})
	require.Equal(t, messageTypePong, readFrame(t, host).Type)
}

func TestValidateSignal(t *testing.T) {
	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: minimalSDP}
	require.NoError(t, validateSignal(inboundMessage{Type: messageTypeOffer, To: "a", Offer: offer}))
	require.ErrorIs(t, validateSignal(inboundMessage{Type: messageTypeOffer, Offer: offer}), errMissingTarget)
	require.ErrorIs(t, validateSignal(inboundMessage{Type: messageTypeAnswer, To: "a", Answer: offer}), errInvalidSDP)
	require.ErrorIs(t, validateSignal(inboundMessage{Type: messageTypeICECandidate, To: "a"}), errEmptyCandidate)

	msg, err := parseInbound([]byte(`{"type":"offer","to":"a","from":"spoofed","offer":{"type":"offer","sdp":"x"},"extra":1}`))
	require.NoError(t, err)
	raw, err := forwardFrame("me", msg)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"offer","from":"me","offer":{"type":"offer","sdp":"x"},"extra":1}`, string(raw))
}
