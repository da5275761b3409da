package httpdto

import (
	"time"

	"podster/internal/domain/session"
)

// CreateSessionRequest is used for POST /sessions
type CreateSessionRequest struct {
	Title  string `json:"title" binding:"required"`
	HostID string `json:"hostId,omitempty"`
}

// CreateSessionResponse is returned after creating a session
type CreateSessionResponse struct {
	Session    *session.Session `json:"session"`
	HostToken  string           `json:"hostToken"`
	GuestToken string           `json:"guestToken"`
}

// JoinSessionRequest is used for POST /sessions/:id/join
type JoinSessionRequest struct {
	GuestName string `json:"guestName" binding:"required"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// UploadURLsRequest is used for POST /sessions/:id/upload-urls. Kind defaults
// to VIDEO.
type UploadURLsRequest struct {
	PartCount int    `json:"partCount"`
	Kind      string `json:"kind,omitempty"`
}

type UploadURLsResponse struct {
	UploadID  string    `json:"uploadId"`
	URLs      []string  `json:"urls"`
	TrackID   string    `json:"trackId"`
	ObjectKey string    `json:"objectKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type PartDTO struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

// CompleteUploadRequest is used for POST /sessions/:id/complete-upload
type CompleteUploadRequest struct {
	UploadID string    `json:"uploadId" binding:"required"`
	Parts    []PartDTO `json:"parts" binding:"required"`
}

func (r CompleteUploadRequest) DomainParts() []session.Part {
	parts := make([]session.Part, len(r.Parts))
	for i, p := range r.Parts {
		parts[i] = session.Part{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	return parts
}

type URLResponse struct {
	URL string `json:"url"`
}
