package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"podster/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrMissingETag = errors.New("upload response has no ETag")

type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
)

// Job uploads Payload to a presigned part URL.
type Job struct {
	ID         string
	PartNumber int32
	URL        string
	Payload    []byte
}

// Event reports on one job. Every job produces exactly one Completed or Error
// event; Progress events are best effort.
type Event struct {
	Type       EventType
	JobID      string
	PartNumber int32
	Progress   float64
	ETag       string
	Attempts   int
	Err        error
}

type PoolConfig struct {
	Concurrency int
	MaxRetries  int
	BackoffBase time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Concurrency: 3, MaxRetries: 2, BackoffBase: 500 * time.Millisecond}
}

// StatusError is a non-2xx response from the storage endpoint.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload failed: %s", e.Status)
}

// Pool uploads parts with bounded concurrency and per-job retry.
type Pool struct {
	cfg    PoolConfig
	client *http.Client
	logger *logger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewPool(cfg PoolConfig, client *http.Client, l *logger.Logger) *Pool {
	def := DefaultPoolConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Pool{cfg: cfg, client: client, logger: l.Named("upload-pool"), sleep: sleepCtx}
}

// Run starts the jobs on background goroutines and returns their events. The
// channel is closed once every job has reported its terminal event.
func (p *Pool) Run(ctx context.Context, jobs []Job) <-chan Event {
	// Progress sends never block; terminal sends wait for the reader.
	events := make(chan Event, 2*len(jobs)+1)

	go func() {
		defer close(events)

		var g errgroup.Group
		g.SetLimit(p.cfg.Concurrency)
		for _, job := range jobs {
			g.Go(func() error {
				events <- p.runJob(ctx, job, events)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return events
}

func (p *Pool) runJob(ctx context.Context, job Job, events chan<- Event) Event {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
		attempts++

		etag, err := p.put(ctx, job, events)
		if err == nil {
			return Event{Type: EventCompleted, JobID: job.ID, PartNumber: job.PartNumber, ETag: etag, Progress: 1, Attempts: attempts}
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
		p.logger.Warn("part upload failed, retrying",
			zap.String("job_id", job.ID), zap.Int("attempt", attempts), zap.Error(err))
	}

	p.logger.Error("part upload failed",
		zap.String("job_id", job.ID), zap.Int("attempts", attempts), zap.Error(lastErr))
	return Event{Type: EventError, JobID: job.ID, PartNumber: job.PartNumber, Attempts: attempts, Err: lastErr}
}

func (p *Pool) put(ctx context.Context, job Job, events chan<- Event) (string, error) {
	body := &progressReader{
		r:      bytes.NewReader(job.Payload),
		total:  int64(len(job.Payload)),
		job:    job,
		events: events,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, job.URL, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(job.Payload))

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	etag := strings.ReplaceAll(resp.Header.Get("ETag"), `"`, "")
	if etag == "" {
		return "", ErrMissingETag
	}
	return etag, nil
}

func (p *Pool) backoff(attempt int) time.Duration {
	return p.cfg.BackoffBase << (attempt - 1)
}

// retryable reports whether err is a transient failure: a transport error or
// a 408, 429 or 5xx response.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusRequestTimeout ||
			se.StatusCode == http.StatusTooManyRequests ||
			se.StatusCode >= 500
	}
	return !errors.Is(err, ErrMissingETag)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// progressReader emits progress events as the request body is consumed.
// Events are dropped when the channel is full.
type progressReader struct {
	r      io.Reader
	read   int64
	total  int64
	job    Job
	events chan<- Event
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	if n > 0 && pr.total > 0 {
		pr.read += int64(n)
		select {
		case pr.events <- Event{Type: EventProgress, JobID: pr.job.ID, PartNumber: pr.job.PartNumber, Progress: float64(pr.read) / float64(pr.total)}:
		default:
		}
	}
	return n, err
}
