package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"podster/internal/domain/session"
)

type SessionRepository interface {
	CreateSession(ctx context.Context, s *session.Session) error
	// GetSession returns the session with its tracks (parts included) and its
	// most recent non-abandoned upload target.
	GetSession(ctx context.Context, id uuid.UUID) (*session.Session, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status session.Status, at time.Time) error

	// CreateUploadTarget inserts track and target and moves the session to
	// Uploading. It fails with ErrActiveUploadTarget when the session already
	// holds a target that is active at now.
	CreateUploadTarget(ctx context.Context, track *session.Track, target *session.UploadTarget, now time.Time) error
	GetUploadTarget(ctx context.Context, sessionID uuid.UUID, uploadID string) (*session.UploadTarget, error)
	RecordPendingParts(ctx context.Context, targetID uuid.UUID, parts []session.Part) error

	// CompleteUpload stores the finalized parts on the target's track and marks
	// track, target and session complete in one step.
	CompleteUpload(ctx context.Context, target *session.UploadTarget, parts []session.Part, at time.Time) error

	ListExpiredTargets(ctx context.Context, now time.Time, limit int) ([]session.UploadTarget, error)
	MarkTargetAbandoned(ctx context.Context, targetID uuid.UUID, at time.Time) error
}
