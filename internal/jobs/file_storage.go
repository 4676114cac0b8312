package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jo-hoe/gotidarr/internal/common"
)

// FileStorage keeps the queue and watch list as JSON arrays in a directory.
// Writes go to a temp file in the same directory which is then renamed over
// the target, so readers never observe a partial file.
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

// NewFileStorage creates the directory if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, errors.New("storage dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storage dir: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) LoadQueue() ([]Job, error) {
	var out []Job
	if err := s.read(common.QueueFileName, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FileStorage) SaveQueue(jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	return s.write(common.QueueFileName, jobs)
}

func (s *FileStorage) LoadSyncList() ([]SyncItem, error) {
	var out []SyncItem
	if err := s.read(common.SyncListFileName, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FileStorage) SaveSyncList(items []SyncItem) error {
	if items == nil {
		items = []SyncItem{}
	}
	return s.write(common.SyncListFileName, items)
}

func (s *FileStorage) Close() error { return nil }

func (s *FileStorage) read(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *FileStorage) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
