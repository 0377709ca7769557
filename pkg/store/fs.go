package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/cuerr"
)

// FileCheckpointStore keeps memory checkpoints as JSON files under a
// directory, one file per snapshot. Writes go through a temp file and an
// atomic rename so a crash never leaves a torn snapshot behind.
type FileCheckpointStore struct {
	mu  sync.RWMutex
	dir string

	// byProcess indexes snapshots per process, sorted ascending by
	// (ordinate, timestamp). Rebuilt from disk at startup.
	byProcess map[string][]*model.MemoryCheckpoint
}

// NewFileCheckpointStore opens (or creates) the checkpoint directory and
// loads the existing snapshots into the index.
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cuerr.Wrapf(err, cuerr.ClassConfig, "create checkpoint dir %s", dir)
	}
	s := &FileCheckpointStore{
		dir:       dir,
		byProcess: make(map[string][]*model.MemoryCheckpoint),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileCheckpointStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return cuerr.Wrapf(err, cuerr.ClassConfig, "read checkpoint dir %s", s.dir)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var cp model.MemoryCheckpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			// Torn or foreign file. Skip it rather than fail startup.
			continue
		}
		s.byProcess[cp.ProcessID] = insertSorted(s.byProcess[cp.ProcessID], &cp)
	}
	return nil
}

func (s *FileCheckpointStore) path(cp *model.MemoryCheckpoint) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%020d_%s.json", cp.ProcessID, cp.Ordinate, cp.ID))
}

// SaveCheckpoint persists one snapshot via temp file and rename.
func (s *FileCheckpointStore) SaveCheckpoint(ctx context.Context, cp *model.MemoryCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "marshal checkpoint")
	}

	target := s.path(cp)
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "create temp checkpoint file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "close checkpoint")
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "rename checkpoint")
	}

	s.mu.Lock()
	s.byProcess[cp.ProcessID] = insertSorted(s.byProcess[cp.ProcessID], cp)
	s.mu.Unlock()
	return nil
}

// FindCheckpointBefore returns the latest snapshot at or before the
// target point.
func (s *FileCheckpointStore) FindCheckpointBefore(ctx context.Context, processID string, timestamp int64, ordinate uint64, cron string) (*model.MemoryCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.byProcess[processID]
	for i := len(cps) - 1; i >= 0; i-- {
		if pointAtOrBefore(cps[i].Timestamp, cps[i].Ordinate, timestamp, ordinate) {
			cp := *cps[i]
			return &cp, nil
		}
	}
	return nil, cuerr.NotFound("checkpoint", processID)
}

// ListCheckpoints returns all snapshots for a process, newest first.
func (s *FileCheckpointStore) ListCheckpoints(ctx context.Context, processID string) ([]*model.MemoryCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.byProcess[processID]
	out := make([]*model.MemoryCheckpoint, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		cp := *cps[i]
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteCheckpoint removes one snapshot file and its index entry.
func (s *FileCheckpointStore) DeleteCheckpoint(ctx context.Context, processID, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.byProcess[processID]
	for i, cp := range cps {
		if cp.ID != checkpointID {
			continue
		}
		if err := os.Remove(s.path(cp)); err != nil && !os.IsNotExist(err) {
			return cuerr.Wrapf(err, cuerr.ClassCacheWrite, "delete checkpoint %s", checkpointID)
		}
		s.byProcess[processID] = append(cps[:i], cps[i+1:]...)
		return nil
	}
	return cuerr.NotFound("checkpoint", checkpointID)
}

// CountCheckpoints returns the number of snapshots for a process.
func (s *FileCheckpointStore) CountCheckpoints(ctx context.Context, processID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byProcess[processID])), nil
}

// Name returns "file".
func (s *FileCheckpointStore) Name() string { return "file" }

// Close is a no-op for the file backend.
func (s *FileCheckpointStore) Close() error { return nil }

// insertSorted keeps the slice ascending by (ordinate, timestamp).
func insertSorted(cps []*model.MemoryCheckpoint, cp *model.MemoryCheckpoint) []*model.MemoryCheckpoint {
	i := sort.Search(len(cps), func(i int) bool {
		if cps[i].Ordinate != cp.Ordinate {
			return cps[i].Ordinate > cp.Ordinate
		}
		return cps[i].Timestamp >= cp.Timestamp
	})
	cps = append(cps, nil)
	copy(cps[i+1:], cps[i:])
	cps[i] = cp
	return cps
}
