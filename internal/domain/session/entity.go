package session

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusLive      Status = "LIVE"
	StatusUploading Status = "UPLOADING"
	StatusComplete  Status = "COMPLETE"
)

// CanTransition reports whether a session may move from s to next.
// Live -> Live is allowed and treated as a no-op by callers.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusLive || next == StatusUploading
	case StatusLive:
		return next == StatusLive || next == StatusUploading
	case StatusUploading:
		return next == StatusLive || next == StatusUploading || next == StatusComplete
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusLive, StatusUploading, StatusComplete:
		return true
	}
	return false
}

type Kind string

const (
	KindAudio Kind = "AUDIO"
	KindVideo Kind = "VIDEO"
)

// MaxPartCount is the multipart upload part limit of S3 and R2.
const MaxPartCount = 10000

// ValidPartCount reports whether n parts can form one multipart upload.
func ValidPartCount(n int) bool {
	return n >= 1 && n <= MaxPartCount
}

type StorageProvider string

const (
	ProviderS3    StorageProvider = "s3"
	ProviderR2    StorageProvider = "r2"
	ProviderLocal StorageProvider = "local"
)

func ParseProvider(v string) StorageProvider {
	switch StorageProvider(strings.ToLower(v)) {
	case ProviderR2:
		return ProviderR2
	case ProviderLocal:
		return ProviderLocal
	default:
		return ProviderS3
	}
}

// Session is one recording engagement between a host and its guests.
type Session struct {
	ID           uuid.UUID     `json:"id"`
	Title        string        `json:"title"`
	Status       Status        `json:"status"`
	HostID       string        `json:"hostId"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Tracks       []Track       `json:"tracks"`
	UploadTarget *UploadTarget `json:"-"`
}

// HasCompletedTrack reports whether at least one track finished uploading.
func (s *Session) HasCompletedTrack() bool {
	for _, t := range s.Tracks {
		if t.CompletedAt != nil {
			return true
		}
	}
	return false
}

func (s *Session) FindTrack(id uuid.UUID) (*Track, bool) {
	for i := range s.Tracks {
		if s.Tracks[i].ID == id {
			return &s.Tracks[i], true
		}
	}
	return nil, false
}

type Track struct {
	ID          uuid.UUID  `json:"id"`
	SessionID   uuid.UUID  `json:"sessionId"`
	UserID      string     `json:"userId"`
	Kind        Kind       `json:"kind"`
	ObjectKey   string     `json:"objectKey"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Parts       []Part     `json:"parts"`
}

type Part struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

// UploadTarget is the server-side handle for one multipart upload attempt.
type UploadTarget struct {
	ID           uuid.UUID       `json:"id"`
	SessionID    uuid.UUID       `json:"sessionId"`
	TrackID      uuid.UUID       `json:"trackId"`
	UploadID     string          `json:"uploadId"`
	Key          string          `json:"key"`
	Bucket       string          `json:"bucket"`
	Provider     StorageProvider `json:"provider"`
	PartCount    int             `json:"partCount"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	CreatedAt    time.Time       `json:"createdAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	AbandonedAt  *time.Time      `json:"abandonedAt,omitempty"`
	PendingParts []Part          `json:"-"`
}

func (t *UploadTarget) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Active reports whether the target can still receive parts or a finalize.
func (t *UploadTarget) Active(now time.Time) bool {
	return t.CompletedAt == nil && t.AbandonedAt == nil && !t.Expired(now)
}

// ObjectKey builds the storage key for a new recording of sessionID.
func ObjectKey(sessionID uuid.UUID, at time.Time) string {
	return "sessions/" + sessionID.String() + "/" + strconv.FormatInt(at.UnixMilli(), 10) + ".webm"
}
