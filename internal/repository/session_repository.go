package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"podster/internal/domain/session"
	podster_errors "podster/pkg/errors"
)

type PostgresSessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &PostgresSessionRepository{pool: pool}
}

const targetColumns = `id, session_id, track_id, upload_id, object_key, bucket, provider, part_count,
	pending_parts, expires_at, created_at, completed_at, abandoned_at`

func (r *PostgresSessionRepository) CreateSession(ctx context.Context, s *session.Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, title, status, host_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.Title, string(s.Status), s.HostID, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return podster_errors.ErrConflict
		}
		return err
	}
	return nil
}

func (r *PostgresSessionRepository) GetSession(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	var s session.Session
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, status, host_id, created_at, updated_at FROM sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.Title, &status, &s.HostID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, podster_errors.ErrSessionNotFound
		}
		return nil, err
	}
	s.Status = session.Status(status)

	tracks, err := r.loadTracks(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	s.Tracks = tracks

	row := r.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM upload_targets
		 WHERE session_id = $1 AND abandoned_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`, id)
	target, err := scanTarget(row)
	switch {
	case err == nil:
		s.UploadTarget = target
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, err
	}
	return &s, nil
}

func (r *PostgresSessionRepository) loadTracks(ctx context.Context, db DBTX, sessionID uuid.UUID) ([]session.Track, error) {
	rows, err := db.Query(ctx,
		`SELECT id, session_id, user_id, kind, object_key, created_at, completed_at
		 FROM tracks WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tracks := []session.Track{}
	index := map[uuid.UUID]int{}
	for rows.Next() {
		var t session.Track
		var kind string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &kind, &t.ObjectKey, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		t.Kind = session.Kind(kind)
		t.Parts = []session.Part{}
		index[t.ID] = len(tracks)
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return tracks, nil
	}

	partRows, err := db.Query(ctx,
		`SELECT p.track_id, p.part_number, p.etag FROM track_parts p
		 JOIN tracks t ON t.id = p.track_id
		 WHERE t.session_id = $1 ORDER BY p.track_id, p.part_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer partRows.Close()
	for partRows.Next() {
		var trackID uuid.UUID
		var p session.Part
		if err := partRows.Scan(&trackID, &p.PartNumber, &p.ETag); err != nil {
			return nil, err
		}
		if i, ok := index[trackID]; ok {
			tracks[i].Parts = append(tracks[i].Parts, p)
		}
	}
	return tracks, partRows.Err()
}

func (r *PostgresSessionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status session.Status, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return podster_errors.ErrSessionNotFound
	}
	return nil
}

func (r *PostgresSessionRepository) CreateUploadTarget(ctx context.Context, track *session.Track, target *session.UploadTarget, now time.Time) error {
	return WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		// The row lock serializes target creation across API instances.
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, target.SessionID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return podster_errors.ErrSessionNotFound
			}
			return err
		}
		if !session.Status(status).CanTransition(session.StatusUploading) {
			return fmt.Errorf("%w: %s -> %s", podster_errors.ErrInvalidTransition, status, session.StatusUploading)
		}

		var active bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM upload_targets
			  WHERE session_id = $1 AND completed_at IS NULL AND abandoned_at IS NULL AND expires_at > $2)`,
			target.SessionID, now).Scan(&active)
		if err != nil {
			return err
		}
		if active {
			return podster_errors.ErrActiveUploadTarget
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO tracks (id, session_id, user_id, kind, object_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			track.ID, track.SessionID, track.UserID, string(track.Kind), track.ObjectKey, track.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO upload_targets (id, session_id, track_id, upload_id, object_key, bucket, provider, part_count, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			target.ID, target.SessionID, target.TrackID, target.UploadID, target.Key, target.Bucket,
			string(target.Provider), target.PartCount, target.ExpiresAt, target.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return podster_errors.ErrConflict
			}
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1`,
			target.SessionID, string(session.StatusUploading), now)
		return err
	})
}

func (r *PostgresSessionRepository) GetUploadTarget(ctx context.Context, sessionID uuid.UUID, uploadID string) (*session.UploadTarget, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM upload_targets WHERE session_id = $1 AND upload_id = $2`, sessionID, uploadID)
	target, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, podster_errors.ErrUploadTargetNotFound
		}
		return nil, err
	}
	return target, nil
}

func (r *PostgresSessionRepository) RecordPendingParts(ctx context.Context, targetID uuid.UUID, parts []session.Part) error {
	raw, err := encodeParts(parts)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE upload_targets SET pending_parts = $2 WHERE id = $1`, targetID, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return podster_errors.ErrUploadTargetNotFound
	}
	return nil
}

func (r *PostgresSessionRepository) CompleteUpload(ctx context.Context, target *session.UploadTarget, parts []session.Part, at time.Time) error {
	return WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM sessions WHERE id = $1 FOR UPDATE`, target.SessionID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE tracks SET completed_at = $2 WHERE id = $1`, target.TrackID, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return podster_errors.ErrTrackMissingForCompletion
		}

		if _, err := tx.Exec(ctx, `DELETE FROM track_parts WHERE track_id = $1`, target.TrackID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, p := range parts {
			batch.Queue(`INSERT INTO track_parts (track_id, part_number, etag) VALUES ($1, $2, $3)`,
				target.TrackID, p.PartNumber, p.ETag)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE upload_targets SET completed_at = $2, pending_parts = NULL WHERE id = $1`, target.ID, at); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1`,
			target.SessionID, string(session.StatusComplete), at)
		return err
	})
}

func (r *PostgresSessionRepository) ListExpiredTargets(ctx context.Context, now time.Time, limit int) ([]session.UploadTarget, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+targetColumns+` FROM upload_targets
		 WHERE completed_at IS NULL AND abandoned_at IS NULL AND expires_at <= $1
		 ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []session.UploadTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

func (r *PostgresSessionRepository) MarkTargetAbandoned(ctx context.Context, targetID uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE upload_targets SET abandoned_at = $2 WHERE id = $1 AND completed_at IS NULL AND abandoned_at IS NULL`,
		targetID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return podster_errors.ErrUploadTargetNotFound
	}
	return nil
}

func scanTarget(row pgx.Row) (*session.UploadTarget, error) {
	var t session.UploadTarget
	var provider string
	var pending []byte
	err := row.Scan(&t.ID, &t.SessionID, &t.TrackID, &t.UploadID, &t.Key, &t.Bucket, &provider, &t.PartCount,
		&pending, &t.ExpiresAt, &t.CreatedAt, &t.CompletedAt, &t.AbandonedAt)
	if err != nil {
		return nil, err
	}
	t.Provider = session.StorageProvider(provider)
	if t.PendingParts, err = decodeParts(pending); err != nil {
		return nil, fmt.Errorf("decode pending parts: %w", err)
	}
	return &t, nil
}
