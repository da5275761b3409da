package uploader

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"podster/internal/domain/session"
	"podster/internal/transport/httpdto"
	"podster/pkg/logger"

	"go.uber.org/zap"
)

// Coordinator is the server side of an upload. Satisfied by *APIClient.
type Coordinator interface {
	RequestUploadURLs(ctx context.Context, sessionID string, partCount int) (httpdto.UploadURLsResponse, error)
	CompleteUpload(ctx context.Context, sessionID, uploadID string, parts []session.Part) (*session.Session, error)
}

// PartsFailedError lists the parts that exhausted their retries.
type PartsFailedError struct {
	Failed []Event
}

func (e *PartsFailedError) Error() string {
	return fmt.Sprintf("%d of the upload parts failed: %v", len(e.Failed), e.Failed[0].Err)
}

func (e *PartsFailedError) Unwrap() error { return e.Failed[0].Err }

// Pipeline uploads a stored capture: list, split, request targets, upload in
// parallel, finalize, clear.
type Pipeline struct {
	store    ChunkStore
	api      Coordinator
	pool     *Pool
	partSize int64
	logger   *logger.Logger

	// OnEvent, when set, observes every pool event.
	OnEvent func(Event)
}

func NewPipeline(store ChunkStore, api Coordinator, pool *Pool, partSize int64, l *logger.Logger) *Pipeline {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	return &Pipeline{store: store, api: api, pool: pool, partSize: partSize, logger: l.Named("upload-pipeline")}
}

// Upload sends every stored chunk of sessionID as one multipart object. On
// failure the chunks are kept so the upload can be retried.
func (p *Pipeline) Upload(ctx context.Context, sessionID string) (*session.Session, error) {
	start := time.Now()

	chunks, err := p.store.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	var size int
	for _, c := range chunks {
		size += len(c.Payload)
	}
	buf := make([]byte, 0, size)
	for _, c := range chunks {
		buf = append(buf, c.Payload...)
	}

	parts, err := SplitBuffer(buf, p.partSize)
	if err != nil {
		return nil, err
	}

	target, err := p.api.RequestUploadURLs(ctx, sessionID, len(parts))
	if err != nil {
		return nil, fmt.Errorf("request upload urls: %w", err)
	}
	if len(target.URLs) != len(parts) {
		return nil, fmt.Errorf("expected %d upload urls, got %d", len(parts), len(target.URLs))
	}

	jobs := make([]Job, len(parts))
	for i, payload := range parts {
		jobs[i] = Job{
			ID:         target.UploadID + ":" + strconv.Itoa(i+1),
			PartNumber: int32(i + 1),
			URL:        target.URLs[i],
			Payload:    payload,
		}
	}

	var completed []session.Part
	var failed []Event
	for ev := range p.pool.Run(ctx, jobs) {
		if p.OnEvent != nil {
			p.OnEvent(ev)
		}
		switch ev.Type {
		case EventCompleted:
			completed = append(completed, session.Part{PartNumber: ev.PartNumber, ETag: ev.ETag})
		case EventError:
			failed = append(failed, ev)
		}
	}
	if len(failed) > 0 {
		return nil, &PartsFailedError{Failed: failed}
	}

	slices.SortFunc(completed, func(a, b session.Part) int {
		return int(a.PartNumber - b.PartNumber)
	})
	sess, err := p.api.CompleteUpload(ctx, sessionID, target.UploadID, completed)
	if err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}

	if err := p.store.Clear(ctx, sessionID); err != nil {
		p.logger.Warn("clear uploaded chunks failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	p.logger.Info("upload finished",
		zap.String("session_id", sessionID),
		zap.String("upload_id", target.UploadID),
		zap.Int("parts", len(parts)),
		zap.Int("bytes", len(buf)),
		zap.Duration("duration", time.Since(start)))
	return sess, nil
}

var _ Coordinator = (*APIClient)(nil)
