package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"podster/internal/domain/session"
	podster_errors "podster/pkg/errors"
)

// MemorySessionRepository keeps sessions in process memory. Every returned
// value is a copy; callers never share state with the store.
type MemorySessionRepository struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session
	targets  map[uuid.UUID]*session.UploadTarget
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[uuid.UUID]*session.Session),
		targets:  make(map[uuid.UUID]*session.UploadTarget),
	}
}

func (r *MemorySessionRepository) CreateSession(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return podster_errors.ErrConflict
	}
	stored := copySession(s)
	stored.UploadTarget = nil
	r.sessions[s.ID] = stored
	return nil
}

func (r *MemorySessionRepository) GetSession(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, podster_errors.ErrSessionNotFound
	}
	out := copySession(s)
	if latest := r.latestTarget(id); latest != nil {
		out.UploadTarget = copyTarget(latest)
	}
	return out, nil
}

func (r *MemorySessionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status session.Status, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return podster_errors.ErrSessionNotFound
	}
	s.Status = status
	s.UpdatedAt = at
	return nil
}

func (r *MemorySessionRepository) CreateUploadTarget(ctx context.Context, track *session.Track, target *session.UploadTarget, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[target.SessionID]
	if !ok {
		return podster_errors.ErrSessionNotFound
	}
	if !s.Status.CanTransition(session.StatusUploading) {
		return fmt.Errorf("%w: %s -> %s", podster_errors.ErrInvalidTransition, s.Status, session.StatusUploading)
	}
	for _, t := range r.targets {
		if t.SessionID == target.SessionID && t.Active(now) {
			return podster_errors.ErrActiveUploadTarget
		}
		if t.UploadID == target.UploadID {
			return podster_errors.ErrConflict
		}
	}

	stored := *track
	stored.Parts = []session.Part{}
	s.Tracks = append(s.Tracks, stored)
	r.targets[target.ID] = copyTarget(target)
	s.Status = session.StatusUploading
	s.UpdatedAt = now
	return nil
}

func (r *MemorySessionRepository) GetUploadTarget(ctx context.Context, sessionID uuid.UUID, uploadID string) (*session.UploadTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.targets {
		if t.SessionID == sessionID && t.UploadID == uploadID {
			return copyTarget(t), nil
		}
	}
	return nil, podster_errors.ErrUploadTargetNotFound
}

func (r *MemorySessionRepository) RecordPendingParts(ctx context.Context, targetID uuid.UUID, parts []session.Part) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[targetID]
	if !ok {
		return podster_errors.ErrUploadTargetNotFound
	}
	t.PendingParts = append([]session.Part(nil), parts...)
	return nil
}

func (r *MemorySessionRepository) CompleteUpload(ctx context.Context, target *session.UploadTarget, parts []session.Part, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[target.SessionID]
	if !ok {
		return podster_errors.ErrSessionNotFound
	}
	stored, ok := r.targets[target.ID]
	if !ok {
		return podster_errors.ErrUploadTargetNotFound
	}
	track, ok := s.FindTrack(target.TrackID)
	if !ok {
		return podster_errors.ErrTrackMissingForCompletion
	}

	completedAt := at
	track.Parts = append([]session.Part(nil), parts...)
	track.CompletedAt = &completedAt
	stored.CompletedAt = &completedAt
	stored.PendingParts = nil
	s.Status = session.StatusComplete
	s.UpdatedAt = at
	return nil
}

func (r *MemorySessionRepository) ListExpiredTargets(ctx context.Context, now time.Time, limit int) ([]session.UploadTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []session.UploadTarget
	for _, t := range r.targets {
		if t.CompletedAt == nil && t.AbandonedAt == nil && t.Expired(now) {
			out = append(out, *copyTarget(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemorySessionRepository) MarkTargetAbandoned(ctx context.Context, targetID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[targetID]
	if !ok || t.CompletedAt != nil || t.AbandonedAt != nil {
		return podster_errors.ErrUploadTargetNotFound
	}
	abandonedAt := at
	t.AbandonedAt = &abandonedAt
	return nil
}

func (r *MemorySessionRepository) latestTarget(sessionID uuid.UUID) *session.UploadTarget {
	var latest *session.UploadTarget
	for _, t := range r.targets {
		if t.SessionID != sessionID || t.AbandonedAt != nil {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	return latest
}

func copySession(s *session.Session) *session.Session {
	out := *s
	out.Tracks = make([]session.Track, len(s.Tracks))
	for i, t := range s.Tracks {
		t.Parts = append([]session.Part{}, t.Parts...)
		if t.CompletedAt != nil {
			v := *t.CompletedAt
			t.CompletedAt = &v
		}
		out.Tracks[i] = t
	}
	return &out
}

func copyTarget(t *session.UploadTarget) *session.UploadTarget {
	out := *t
	out.PendingParts = append([]session.Part(nil), t.PendingParts...)
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	if t.AbandonedAt != nil {
		v := *t.AbandonedAt
		out.AbandonedAt = &v
	}
	return &out
}
