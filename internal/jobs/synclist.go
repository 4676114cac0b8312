package jobs

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/gotidarr/internal/logging"
	"github.com/jo-hoe/gotidarr/internal/util"
)

// SyncList is the persisted watch list. Like Store, all reads return copies.
type SyncList struct {
	log     *slog.Logger
	storage Storage

	mu      sync.Mutex
	items   []SyncItem
	writeMu sync.Mutex
}

func NewSyncList(log *slog.Logger, storage Storage) *SyncList {
	return &SyncList{log: logging.OrDiscard(log), storage: storage}
}

// Load replaces the in-memory list with the persisted one.
func (l *SyncList) Load() error {
	items, err := l.storage.LoadSyncList()
	if err != nil {
		return fmt.Errorf("load sync list: %w", err)
	}
	l.mu.Lock()
	l.items = items
	l.mu.Unlock()
	l.log.Info("sync list restored", "items", len(items))
	return nil
}

func (l *SyncList) List() []SyncItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Save inserts item or replaces the entry with the same id. An empty id gets
// a generated one. lastUpdate of an existing entry is kept when the incoming
// item has none.
func (l *SyncList) Save(item SyncItem) (SyncItem, error) {
	if item.URL == "" {
		return SyncItem{}, fmt.Errorf("%w: url is required", ErrInvalid)
	}
	if item.Type != "" && !item.Type.Valid() {
		return SyncItem{}, fmt.Errorf("%w: unknown type %q", ErrInvalid, item.Type)
	}
	if item.ID == "" {
		item.ID = util.NewID()
	}

	l.mu.Lock()
	if i := l.indexLocked(item.ID); i >= 0 {
		if item.LastUpdate == nil {
			item.LastUpdate = l.items[i].LastUpdate
		}
		l.items[i] = item
	} else {
		l.items = append(l.items, item)
	}
	return item, l.commitLocked()
}

// Remove deletes the entry with id; unknown ids are ignored.
func (l *SyncList) Remove(id string) error {
	l.mu.Lock()
	i := l.indexLocked(id)
	if i < 0 {
		l.mu.Unlock()
		return nil
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	return l.commitLocked()
}

func (l *SyncList) RemoveAll() error {
	l.mu.Lock()
	l.items = nil
	return l.commitLocked()
}

// Touch sets lastUpdate of the entry with id.
func (l *SyncList) Touch(id string, at time.Time) error {
	l.mu.Lock()
	i := l.indexLocked(id)
	if i < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: sync item %s", ErrNotFound, id)
	}
	t := at.UTC()
	l.items[i].LastUpdate = &t
	return l.commitLocked()
}

func (l *SyncList) indexLocked(id string) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *SyncList) snapshotLocked() []SyncItem {
	out := make([]SyncItem, len(l.items))
	for i, it := range l.items {
		if it.LastUpdate != nil {
			t := *it.LastUpdate
			it.LastUpdate = &t
		}
		out[i] = it
	}
	return out
}

// commitLocked must be called with l.mu held; it returns with l.mu released.
func (l *SyncList) commitLocked() error {
	snapshot := l.snapshotLocked()
	l.writeMu.Lock()
	l.mu.Unlock()
	defer l.writeMu.Unlock()
	if err := l.storage.SaveSyncList(snapshot); err != nil {
		l.log.Error("persist sync list", "err", err)
		return fmt.Errorf("persist sync list: %w", err)
	}
	return nil
}
