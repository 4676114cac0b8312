package jobs

// Storage persists snapshots of the queue and the watch list.
// Implementations must make each Save atomic: a crash mid-write leaves either
// the previous or the new snapshot, never a torn one.
type Storage interface {
	LoadQueue() ([]Job, error)
	SaveQueue(jobs []Job) error
	LoadSyncList() ([]SyncItem, error)
	SaveSyncList(items []SyncItem) error
	Close() error
}
