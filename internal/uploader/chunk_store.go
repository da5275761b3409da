package uploader

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var ErrInvalidChunk = errors.New("invalid chunk")

// StoredChunk is one captured media slice held locally until upload.
type StoredChunk struct {
	SessionID  string    `json:"sessionId"`
	PartNumber int32     `json:"partNumber"`
	Payload    []byte    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	UserID     string    `json:"userId"`
}

// ChunkStore is a per-session keyed queue of captured slices. Put is an
// upsert on (SessionID, PartNumber); List returns chunks by ascending
// PartNumber.
type ChunkStore interface {
	Put(ctx context.Context, chunk StoredChunk) error
	List(ctx context.Context, sessionID string) ([]StoredChunk, error)
	Clear(ctx context.Context, sessionID string) error
}

func validateChunk(chunk StoredChunk) error {
	if chunk.SessionID == "" {
		return errors.Join(ErrInvalidChunk, errors.New("session id is required"))
	}
	if chunk.PartNumber < 1 {
		return errors.Join(ErrInvalidChunk, errors.New("part number must be positive"))
	}
	return nil
}

// MemoryChunkStore keeps chunks in process memory. Used by tests and by
// captures that do not need to survive a restart.
type MemoryChunkStore struct {
	mu     sync.RWMutex
	chunks map[string]map[int32]StoredChunk
}

func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{chunks: make(map[string]map[int32]StoredChunk)}
}

func (m *MemoryChunkStore) Put(_ context.Context, chunk StoredChunk) error {
	if err := validateChunk(chunk); err != nil {
		return err
	}
	chunk.Payload = slices.Clone(chunk.Payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.chunks[chunk.SessionID]
	if !ok {
		session = make(map[int32]StoredChunk)
		m.chunks[chunk.SessionID] = session
	}
	session[chunk.PartNumber] = chunk
	return nil
}

func (m *MemoryChunkStore) List(_ context.Context, sessionID string) ([]StoredChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]StoredChunk, 0, len(m.chunks[sessionID]))
	for _, c := range m.chunks[sessionID] {
		c.Payload = slices.Clone(c.Payload)
		out = append(out, c)
	}
	sortChunks(out)
	return out, nil
}

func (m *MemoryChunkStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.chunks, sessionID)
	m.mu.Unlock()
	return nil
}

func sortChunks(chunks []StoredChunk) {
	slices.SortFunc(chunks, func(a, b StoredChunk) int {
		return int(a.PartNumber - b.PartNumber)
	})
}
