package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"podster/internal/repository"
	"podster/pkg/logger"
)

// TargetReaper periodically reclaims upload targets whose TTL has passed.
type TargetReaper struct {
	repo      repository.SessionRepository
	sessions  *SessionService
	logger    *logger.Logger
	interval  time.Duration
	batchSize int
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewTargetReaper(repo repository.SessionRepository, sessions *SessionService, interval time.Duration, l *logger.Logger) *TargetReaper {
	return &TargetReaper{
		repo:      repo,
		sessions:  sessions,
		logger:    l.Named("reaper"),
		interval:  interval,
		batchSize: 100,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the worker loop
func (w *TargetReaper) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop gracefully shuts down
func (w *TargetReaper) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

func (w *TargetReaper) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.Sweep(context.Background())
		}
	}
}

// Sweep processes one batch of expired targets and returns how many were seen.
func (w *TargetReaper) Sweep(ctx context.Context) int {
	targets, err := w.repo.ListExpiredTargets(ctx, w.sessions.now(), w.batchSize)
	if err != nil {
		w.logger.Error("list expired upload targets failed", zap.Error(err))
		return 0
	}
	for _, target := range targets {
		if err := w.sessions.ReclaimTarget(ctx, target); err != nil {
			w.logger.Warn("reclaim upload target failed",
				zap.String("upload_id", target.UploadID), zap.Error(err))
		}
	}
	return len(targets)
}
