package uploader

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var ErrRecorderStopped = errors.New("recorder stopped")

// Recorder is the capture side writer. Write never waits on the store: slices
// are queued and a single goroutine commits them in order. Stop is the
// flush signal; after it returns every accepted slice is in the store.
type Recorder struct {
	store     ChunkStore
	sessionID string
	userID    string
	ctx       context.Context

	mu      sync.Mutex
	pending []StoredChunk
	next    int32
	stopped bool
	err     error

	wake chan struct{}
	done chan struct{}
	now  func() time.Time
}

// NewRecorder continues numbering after any chunks already stored for the
// session, so a resumed capture appends instead of overwriting.
func NewRecorder(ctx context.Context, store ChunkStore, sessionID, userID string) (*Recorder, error) {
	existing, err := store.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var last int32
	if n := len(existing); n > 0 {
		last = existing[n-1].PartNumber
	}

	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		userID:    userID,
		ctx:       ctx,
		next:      last + 1,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	go r.loop()
	return r, nil
}

// Write queues a copy of payload as the next slice and returns its number.
func (r *Recorder) Write(payload []byte) (int32, error) {
	if len(payload) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return 0, ErrRecorderStopped
	}
	n := r.next
	r.next++
	r.pending = append(r.pending, StoredChunk{
		SessionID:  r.sessionID,
		PartNumber: n,
		Payload:    slices.Clone(payload),
		CreatedAt:  r.now(),
		UserID:     r.userID,
	})
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return n, nil
}

// Stop rejects further writes, waits for queued slices to be stored and
// returns the first store error.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) loop() {
	defer close(r.done)
	for range r.wake {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		stopped := r.stopped
		r.mu.Unlock()

		for _, chunk := range batch {
			if err := r.store.Put(r.ctx, chunk); err != nil {
				r.mu.Lock()
				if r.err == nil {
					r.err = err
				}
				r.mu.Unlock()
			}
		}

		if stopped {
			r.mu.Lock()
			drained := len(r.pending) == 0
			r.mu.Unlock()
			if drained {
				return
			}
		}
	}
}
