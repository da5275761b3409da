package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

type messageType string

const (
	messageTypeJoinRoom     messageType = "join-room"
	messageTypeOffer        messageType = "offer"
	messageTypeAnswer       messageType = "answer"
	messageTypeICECandidate messageType = "ice-candidate"
	messageTypePing         messageType = "ping"

	messageTypeJoined     messageType = "joined"
	messageTypeUserJoined messageType = "user-joined"
	messageTypePong       messageType = "pong"
	messageTypeError      messageType = "error"
)

var (
	errNotJoined      = errors.New("join a room first")
	errAlreadyJoined  = errors.New("already joined a room")
	errMissingTarget  = errors.New("missing target")
	errUnknownTarget  = errors.New("target is not in this room")
	errInvalidSDP     = errors.New("invalid session description")
	errEmptyCandidate = errors.New("empty ice candidate")
)

// inboundMessage is a frame sent by a participant.
type inboundMessage struct {
	Type      messageType                `json:"type"`
	SessionID string                     `json:"sessionId,omitempty"`
	To        string                     `json:"to,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	// fields holds the frame as sent, so forwarding keeps every field.
	fields map[string]json.RawMessage
}

// outboundMessage is a frame generated by the relay itself. Forwarded
// signals are built by forwardFrame.
type outboundMessage struct {
	Type      messageType `json:"type"`
	SocketID  string      `json:"socketId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Peers     []string    `json:"peers,omitempty"`
	Message   string      `json:"message,omitempty"`
}

func parseInbound(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inboundMessage{}, fmt.Errorf("malformed message: %w", err)
	}
	if msg.Type == "" {
		return inboundMessage{}, errors.New("message type is required")
	}
	if err := json.Unmarshal(data, &msg.fields); err != nil {
		return inboundMessage{}, fmt.Errorf("malformed message: %w", err)
	}
	return msg, nil
}

// validateSignal checks that the payload matching msg.Type is present and
// well formed.
func validateSignal(msg inboundMessage) error {
	if strings.TrimSpace(msg.To) == "" {
		return errMissingTarget
	}
	switch msg.Type {
	case messageTypeOffer:
		return validateDescription(msg.Offer, webrtc.SDPTypeOffer)
	case messageTypeAnswer:
		return validateDescription(msg.Answer, webrtc.SDPTypeAnswer)
	case messageTypeICECandidate:
		if msg.Candidate == nil || strings.TrimSpace(msg.Candidate.Candidate) == "" {
			return errEmptyCandidate
		}
		return nil
	default:
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

func validateDescription(desc *webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc == nil || desc.Type != want {
		return errInvalidSDP
	}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidSDP, err)
	}
	return nil
}

// forwardFrame builds the frame delivered to the target of a signal: the
// sender's fields as received, without "to" and with "from" set.
func forwardFrame(from string, msg inboundMessage) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(msg.fields)+2)
	for k, v := range msg.fields {
		out[k] = v
	}
	delete(out, "to")

	rawFrom, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	out["from"] = rawFrom
	if _, ok := out["type"]; !ok {
		rawType, err := json.Marshal(msg.Type)
		if err != nil {
			return nil, err
		}
		out["type"] = rawType
	}
	return json.Marshal(out)
}

func errorFrame(err error) outboundMessage {
	return outboundMessage{Type: messageTypeError, Message: err.Error()}
}
