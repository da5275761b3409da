package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	chunkExt = ".chunk"
	metaExt  = ".json"
)

// FileChunkStore persists chunks under <root>/<sessionID>/ so a capture
// survives a process restart. Each chunk is a payload file plus a JSON
// sidecar, both written through a temp file and renamed into place.
type FileChunkStore struct {
	root string
	mu   sync.Mutex
}

func NewFileChunkStore(root string) (*FileChunkStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	return &FileChunkStore{root: root}, nil
}

func (s *FileChunkStore) Put(_ context.Context, chunk StoredChunk) error {
	if err := validateChunk(chunk); err != nil {
		return err
	}
	dir, err := s.sessionDir(chunk.SessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	meta, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	base := filepath.Join(dir, chunkName(chunk.PartNumber))
	if err := writeAtomic(dir, base+chunkExt, chunk.Payload); err != nil {
		return err
	}
	return writeAtomic(dir, base+metaExt, meta)
}

func (s *FileChunkStore) List(_ context.Context, sessionID string) ([]StoredChunk, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []StoredChunk{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	chunks := make([]StoredChunk, 0, len(entries)/2)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, chunkExt) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(name, chunkExt), 10, 32)
		if err != nil || n < 1 {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", n, err)
		}

		chunk := StoredChunk{SessionID: sessionID, PartNumber: int32(n)}
		// A missing sidecar means the process stopped between the two renames.
		if meta, err := os.ReadFile(filepath.Join(dir, chunkName(int32(n))+metaExt)); err == nil {
			_ = json.Unmarshal(meta, &chunk)
		}
		chunk.SessionID = sessionID
		chunk.PartNumber = int32(n)
		chunk.Payload = payload
		chunks = append(chunks, chunk)
	}
	sortChunks(chunks)
	return chunks, nil
}

func (s *FileChunkStore) Clear(_ context.Context, sessionID string) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear session chunks: %w", err)
	}
	return nil
}

// sessionDir rejects ids that could escape the root directory.
func (s *FileChunkStore) sessionDir(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." ||
		strings.ContainsAny(sessionID, `/\`) || filepath.Base(sessionID) != sessionID {
		return "", fmt.Errorf("%w: bad session id %q", ErrInvalidChunk, sessionID)
	}
	return filepath.Join(s.root, sessionID), nil
}

func chunkName(n int32) string {
	return fmt.Sprintf("%08d", n)
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename chunk file: %w", err)
	}
	return nil
}
