package jobs

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/gotidarr/internal/broadcast"
)

type memStorage struct {
	mu       sync.Mutex
	queue    []Job
	sync     []SyncItem
	saves    int
	failNext bool
}

func (m *memStorage) LoadQueue() ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.queue...), nil
}

func (m *memStorage) SaveQueue(jobs []Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("disk full")
	}
	m.queue = append([]Job(nil), jobs...)
	m.saves++
	return nil
}

func (m *memStorage) LoadSyncList() ([]SyncItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SyncItem(nil), m.sync...), nil
}

func (m *memStorage) SaveSyncList(items []SyncItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("disk full")
	}
	m.sync = append([]SyncItem(nil), items...)
	return nil
}

func (m *memStorage) Close() error { return nil }

func (m *memStorage) persisted() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.queue...)
}

func newTestStore(t *testing.T) (*Store, *memStorage) {
	t.Helper()
	ms := &memStorage{}
	return NewStore(nil, ms, broadcast.NewHub(16)), ms
}

func statusOf(s *Store, id string) Status {
	j, ok := s.Get(id)
	if !ok {
		return ""
	}
	return j.Status
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
