package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"podster/internal/domain/session"
	"podster/internal/metrics"
	"podster/internal/repository"
	"podster/internal/storage"
	podster_errors "podster/pkg/errors"
	"podster/pkg/logger"
)

// ObjectStorage is the part of storage.Client the session service drives.
type ObjectStorage interface {
	Bucket() string
	Provider() session.StorageProvider
	UploadURLTTL() time.Duration
	CreateMultipartUpload(ctx context.Context, key string, partCount int) (storage.MultipartUpload, error)
	PresignParts(ctx context.Context, key, uploadID string, partCount int) ([]string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []session.Part) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	ObjectExists(ctx context.Context, key string) (bool, error)
	GetSignedDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type SessionService struct {
	repo        repository.SessionRepository
	storage     ObjectStorage
	auth        *AuthService
	locker      Locker
	metrics     *metrics.Metrics
	logger      *logger.Logger
	downloadTTL time.Duration
	now         func() time.Time
}

func NewSessionService(
	repo repository.SessionRepository,
	store ObjectStorage,
	auth *AuthService,
	locker Locker,
	m *metrics.Metrics,
	l *logger.Logger,
	downloadTTL time.Duration,
) *SessionService {
	if downloadTTL <= 0 {
		downloadTTL = time.Hour
	}
	return &SessionService{
		repo:        repo,
		storage:     store,
		auth:        auth,
		locker:      locker,
		metrics:     m,
		logger:      l.Named("sessions"),
		downloadTTL: downloadTTL,
		now:         time.Now,
	}
}

type CreateSessionResult struct {
	Session    *session.Session
	HostToken  string
	GuestToken string
}

type UploadURLs struct {
	UploadID  string
	URLs      []string
	TrackID   uuid.UUID
	ObjectKey string
	ExpiresAt time.Time
}

func (s *SessionService) CreateSession(ctx context.Context, title, hostID string) (CreateSessionResult, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return CreateSessionResult{}, fmt.Errorf("%w: title is required", podster_errors.ErrInvalidInput)
	}
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		hostID = uuid.NewString()
	}

	now := s.now()
	sess := &session.Session{
		ID:        uuid.New(),
		Title:     title,
		Status:    session.StatusDraft,
		HostID:    hostID,
		CreatedAt: now,
		UpdatedAt: now,
		Tracks:    []session.Track{},
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return CreateSessionResult{}, err
	}

	hostToken, err := s.auth.IssueHostToken(hostID)
	if err != nil {
		return CreateSessionResult{}, err
	}
	guestToken, err := s.auth.IssueGuestToken(sess.ID, "Guest")
	if err != nil {
		return CreateSessionResult{}, err
	}

	s.logger.WithContext(ctx).Info("session created",
		zap.String("event", "session_created"), zap.String("session_id", sess.ID.String()))
	return CreateSessionResult{Session: sess, HostToken: hostToken, GuestToken: guestToken}, nil
}

func (s *SessionService) GetSession(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return s.repo.GetSession(ctx, id)
}

// JoinSession issues a guest token scoped to the session.
func (s *SessionService) JoinSession(ctx context.Context, id uuid.UUID, guestName string) (string, error) {
	if _, err := s.repo.GetSession(ctx, id); err != nil {
		return "", err
	}
	return s.auth.IssueGuestToken(id, guestName)
}

// Start moves the session to Live. Starting a live session is a no-op and a
// completed session cannot be restarted. Restarting an uploading session
// abandons its unfinished upload so the next capture gets a fresh target.
func (s *SessionService) Start(ctx context.Context, p Principal, id uuid.UUID) (*session.Session, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.loadAuthorized(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == session.StatusLive {
		return sess, nil
	}
	if !sess.Status.CanTransition(session.StatusLive) {
		return nil, fmt.Errorf("%w: %s -> %s", podster_errors.ErrInvalidTransition, sess.Status, session.StatusLive)
	}

	now := s.now()
	if t := sess.UploadTarget; t != nil && t.CompletedAt == nil {
		s.abandon(ctx, t, now)
		sess.UploadTarget = nil
	}
	if err := s.repo.UpdateStatus(ctx, id, session.StatusLive, now); err != nil {
		return nil, err
	}
	sess.Status = session.StatusLive
	sess.UpdatedAt = now
	return sess, nil
}

// RequestUploadURLs returns part URLs for the session's single active upload
// target, creating target and track on first use. Repeating the call while the
// target is active re-signs the same upload.
func (s *SessionService) RequestUploadURLs(ctx context.Context, p Principal, id uuid.UUID, partCount int, kind session.Kind) (UploadURLs, error) {
	if !session.ValidPartCount(partCount) {
		return UploadURLs{}, fmt.Errorf("%w: must be between 1 and %d", podster_errors.ErrInvalidPartCount, session.MaxPartCount)
	}
	if kind == "" {
		kind = session.KindVideo
	}
	if kind != session.KindVideo && kind != session.KindAudio {
		return UploadURLs{}, fmt.Errorf("%w: unknown track kind %q", podster_errors.ErrInvalidInput, kind)
	}
	start := s.now()

	unlock, err := s.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return UploadURLs{}, err
	}
	defer unlock()

	sess, err := s.loadAuthorized(ctx, p, id)
	if err != nil {
		return UploadURLs{}, err
	}
	if !sess.Status.CanTransition(session.StatusUploading) {
		return UploadURLs{}, fmt.Errorf("%w: %s -> %s", podster_errors.ErrInvalidTransition, sess.Status, session.StatusUploading)
	}

	now := s.now()
	if current := sess.UploadTarget; current != nil && current.CompletedAt == nil {
		if current.Active(now) {
			return s.reissue(ctx, sess, current, partCount, now)
		}
		s.abandon(ctx, current, now)
	}

	key := session.ObjectKey(id, now)
	upload, err := s.storage.CreateMultipartUpload(ctx, key, partCount)
	if err != nil {
		return UploadURLs{}, err
	}

	track := &session.Track{
		ID:        uuid.New(),
		SessionID: id,
		UserID:    p.Subject,
		Kind:      kind,
		ObjectKey: key,
		CreatedAt: now,
		Parts:     []session.Part{},
	}
	target := &session.UploadTarget{
		ID:        uuid.New(),
		SessionID: id,
		TrackID:   track.ID,
		UploadID:  upload.UploadID,
		Key:       key,
		Bucket:    s.storage.Bucket(),
		Provider:  s.storage.Provider(),
		PartCount: partCount,
		ExpiresAt: now.Add(s.storage.UploadURLTTL()),
		CreatedAt: now,
	}
	if err := s.repo.CreateUploadTarget(ctx, track, target, now); err != nil {
		if abortErr := s.storage.AbortMultipartUpload(ctx, key, upload.UploadID); abortErr != nil {
			s.logger.Warn("abort orphaned multipart upload failed",
				zap.String("upload_id", upload.UploadID), zap.Error(abortErr))
		}
		return UploadURLs{}, err
	}

	s.metrics.IncUploadTargetsIssued()
	s.logger.WithContext(ctx).Info("upload urls issued",
		zap.String("event", "upload_urls_issued"),
		zap.String("session_id", id.String()),
		zap.String("upload_id", upload.UploadID),
		zap.Int("part_count", partCount),
		zap.Duration("duration", s.now().Sub(start)))

	return UploadURLs{
		UploadID:  upload.UploadID,
		URLs:      upload.URLs,
		TrackID:   track.ID,
		ObjectKey: key,
		ExpiresAt: target.ExpiresAt,
	}, nil
}

func (s *SessionService) reissue(ctx context.Context, sess *session.Session, target *session.UploadTarget, partCount int, now time.Time) (UploadURLs, error) {
	if target.PartCount != partCount {
		return UploadURLs{}, fmt.Errorf("%w: active upload expects %d parts", podster_errors.ErrActiveUploadTarget, target.PartCount)
	}
	urls, err := s.storage.PresignParts(ctx, target.Key, target.UploadID, partCount)
	if err != nil {
		return UploadURLs{}, err
	}
	if sess.Status != session.StatusUploading {
		if err := s.repo.UpdateStatus(ctx, sess.ID, session.StatusUploading, now); err != nil {
			return UploadURLs{}, err
		}
	}
	s.logger.WithContext(ctx).Info("upload urls reissued",
		zap.String("event", "upload_urls_reissued"),
		zap.String("session_id", sess.ID.String()),
		zap.String("upload_id", target.UploadID))
	return UploadURLs{
		UploadID:  target.UploadID,
		URLs:      urls,
		TrackID:   target.TrackID,
		ObjectKey: target.Key,
		ExpiresAt: target.ExpiresAt,
	}, nil
}

// CompleteUpload finalizes the multipart upload and marks track and session
// complete. A repeated call for an already completed upload returns the
// session unchanged. Storage failures leave track and session untouched.
func (s *SessionService) CompleteUpload(ctx context.Context, p Principal, id uuid.UUID, uploadID string, parts []session.Part) (*session.Session, error) {
	if strings.TrimSpace(uploadID) == "" {
		return nil, fmt.Errorf("%w: uploadId is required", podster_errors.ErrInvalidInput)
	}
	if len(parts) == 0 {
		return nil, podster_errors.ErrInvalidPartCount
	}
	start := s.now()

	unlock, err := s.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.loadAuthorized(ctx, p, id)
	if err != nil {
		return nil, err
	}
	target, err := s.repo.GetUploadTarget(ctx, id, uploadID)
	if err != nil {
		return nil, err
	}
	if target.CompletedAt != nil {
		return sess, nil
	}
	if sess.Status == session.StatusComplete {
		return nil, fmt.Errorf("%w: session already complete", podster_errors.ErrInvalidTransition)
	}

	now := s.now()
	if target.AbandonedAt != nil || target.Expired(now) {
		s.abandon(ctx, target, now)
		return nil, podster_errors.ErrUploadTargetExpired
	}
	if sess.Status != session.StatusUploading {
		return nil, fmt.Errorf("%w: %s -> %s", podster_errors.ErrInvalidTransition, sess.Status, session.StatusComplete)
	}
	if _, ok := sess.FindTrack(target.TrackID); !ok {
		return nil, podster_errors.ErrTrackMissingForCompletion
	}

	sorted, err := validateParts(parts, target.PartCount)
	if err != nil {
		return nil, err
	}
	if err := s.repo.RecordPendingParts(ctx, target.ID, sorted); err != nil {
		return nil, err
	}

	if err := s.storage.CompleteMultipartUpload(ctx, target.Key, target.UploadID, sorted); err != nil {
		s.metrics.IncUploadsFailed()
		return nil, err
	}

	if err := s.repo.CompleteUpload(ctx, target, sorted, s.now()); err != nil {
		s.metrics.IncUploadsFailed()
		s.logger.WithContext(ctx).Error("upload finalized in storage but state update failed",
			zap.String("event", "upload_state_update_failed"),
			zap.String("session_id", id.String()),
			zap.String("upload_id", uploadID),
			zap.Error(err))
		return nil, err
	}

	s.metrics.IncUploadsCompleted()
	s.logger.WithContext(ctx).Info("upload completed",
		zap.String("event", "upload_completed"),
		zap.String("session_id", id.String()),
		zap.String("upload_id", uploadID),
		zap.Int("parts", len(sorted)),
		zap.Duration("duration", s.now().Sub(start)))

	return s.repo.GetSession(ctx, id)
}

// Reconcile re-derives track completion from storage for an upload whose
// finalize succeeded but whose state update did not land.
func (s *SessionService) Reconcile(ctx context.Context, p Principal, id uuid.UUID) (*session.Session, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.loadAuthorized(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if sess.UploadTarget == nil {
		return sess, nil
	}
	ok, err := s.reconcileTarget(ctx, sess.UploadTarget)
	if err != nil || !ok {
		return sess, err
	}
	return s.repo.GetSession(ctx, id)
}

func (s *SessionService) reconcileTarget(ctx context.Context, target *session.UploadTarget) (bool, error) {
	if target.CompletedAt != nil || len(target.PendingParts) == 0 {
		return false, nil
	}
	exists, err := s.storage.ObjectExists(ctx, target.Key)
	if err != nil || !exists {
		return false, err
	}
	if err := s.repo.CompleteUpload(ctx, target, target.PendingParts, s.now()); err != nil {
		return false, err
	}
	s.metrics.IncUploadsReconciled()
	s.logger.WithContext(ctx).Info("upload reconciled from storage",
		zap.String("event", "upload_reconciled"),
		zap.String("session_id", target.SessionID.String()),
		zap.String("upload_id", target.UploadID))
	return true, nil
}

// ReclaimTarget handles one expired target found by the reaper: it is either
// reconciled, when storage already holds the object, or aborted and marked
// abandoned.
func (s *SessionService) ReclaimTarget(ctx context.Context, target session.UploadTarget) error {
	unlock, err := s.locker.Lock(ctx, lockKey(target.SessionID))
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.repo.GetUploadTarget(ctx, target.SessionID, target.UploadID)
	if err != nil {
		return err
	}
	now := s.now()
	if current.CompletedAt != nil || current.AbandonedAt != nil || !current.Expired(now) {
		return nil
	}

	ok, err := s.reconcileTarget(ctx, current)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	s.abandon(ctx, current, now)
	return nil
}

func (s *SessionService) abandon(ctx context.Context, target *session.UploadTarget, now time.Time) {
	if target.AbandonedAt != nil {
		return
	}
	if err := s.storage.AbortMultipartUpload(ctx, target.Key, target.UploadID); err != nil {
		s.logger.Warn("abort expired multipart upload failed",
			zap.String("upload_id", target.UploadID), zap.Error(err))
	}
	if err := s.repo.MarkTargetAbandoned(ctx, target.ID, now); err != nil {
		if !errors.Is(err, podster_errors.ErrUploadTargetNotFound) {
			s.logger.Warn("mark upload target abandoned failed",
				zap.String("upload_id", target.UploadID), zap.Error(err))
		}
		return
	}
	s.metrics.IncUploadTargetsAbandoned()
	s.logger.Info("upload target abandoned",
		zap.String("event", "upload_target_abandoned"),
		zap.String("session_id", target.SessionID.String()),
		zap.String("upload_id", target.UploadID))
}

func (s *SessionService) GetTrackDownloadURL(ctx context.Context, p Principal, id, trackID uuid.UUID) (string, error) {
	sess, err := s.loadAuthorized(ctx, p, id)
	if err != nil {
		return "", err
	}
	track, ok := sess.FindTrack(trackID)
	if !ok {
		return "", podster_errors.ErrTrackNotFound
	}
	if track.CompletedAt == nil {
		return "", podster_errors.ErrTrackNotUploaded
	}
	return s.storage.GetSignedDownloadURL(ctx, track.ObjectKey, s.downloadTTL)
}

// GetRecordingURL signs the most recently completed video track.
func (s *SessionService) GetRecordingURL(ctx context.Context, p Principal, id uuid.UUID) (string, error) {
	sess, err := s.loadAuthorized(ctx, p, id)
	if err != nil {
		return "", err
	}

	var latest *session.Track
	for i := range sess.Tracks {
		t := &sess.Tracks[i]
		if t.Kind != session.KindVideo || t.CompletedAt == nil || !strings.HasSuffix(t.ObjectKey, ".webm") {
			continue
		}
		if latest == nil || t.CompletedAt.After(*latest.CompletedAt) {
			latest = t
		}
	}
	if latest == nil {
		return "", podster_errors.ErrRecordingNotFound
	}

	url, err := s.storage.GetSignedDownloadURL(ctx, latest.ObjectKey, s.downloadTTL)
	if err != nil {
		s.logger.WithContext(ctx).Error("recording url failed",
			zap.String("session_id", id.String()), zap.String("key", latest.ObjectKey), zap.Error(err))
		return "", err
	}
	return url, nil
}

// AuthorizeJoin reports whether p may join the relay room of session id.
func (s *SessionService) AuthorizeJoin(ctx context.Context, p Principal, id uuid.UUID) error {
	_, err := s.loadAuthorized(ctx, p, id)
	return err
}

func (s *SessionService) loadAuthorized(ctx context.Context, p Principal, id uuid.UUID) (*session.Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := AuthorizeSession(p, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// validateParts checks that parts cover 1..partCount exactly once and
// returns them sorted by part number.
func validateParts(parts []session.Part, partCount int) ([]session.Part, error) {
	if partCount > 0 && len(parts) != partCount {
		return nil, fmt.Errorf("%w: expected %d parts, got %d", podster_errors.ErrInvalidParts, partCount, len(parts))
	}
	sorted := storage.SortParts(parts)
	for i := range sorted {
		sorted[i].ETag = strings.TrimSpace(sorted[i].ETag)
		if sorted[i].PartNumber != int32(i+1) {
			return nil, fmt.Errorf("%w: part numbers must be contiguous from 1", podster_errors.ErrInvalidParts)
		}
		if sorted[i].ETag == "" {
			return nil, fmt.Errorf("%w: part %d has no etag", podster_errors.ErrInvalidParts, sorted[i].PartNumber)
		}
	}
	return sorted, nil
}

func lockKey(id uuid.UUID) string {
	return "session:" + id.String() + ":upload"
}
