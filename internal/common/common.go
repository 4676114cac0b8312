package common

import "time"

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey         = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderRequestID      = "X-Request-ID"
	ContentTypeJSON      = "application/json"
	ContentTypeEventFeed = "text/event-stream"
)

// API paths
const (
	PathHealthz          = "/healthz"
	PathMetrics          = "/metrics"
	PathList             = "/list"
	PathSave             = "/save"
	PathRemove           = "/remove"
	PathRemoveAll        = "/remove-all"
	PathRemoveFinished   = "/remove-finished"
	PathQueuePause       = "/queue/pause"
	PathQueueResume      = "/queue/resume"
	PathQueueStatus      = "/queue/status"
	PathSyncList         = "/sync/list"
	PathSyncSave         = "/sync/save"
	PathSyncRemove       = "/sync/remove"
	PathSyncRemoveAll    = "/sync/remove-all"
	PathSyncTrigger      = "/sync/trigger"
	PathStreamProcessing = "/stream-processing"
	PathStreamItemOutput = "/stream-item-output"
)

// Defaults and limits
const (
	DefaultSyncSchedule    = "0 3 * * *"
	DefaultProgressPattern = `\[(\d+)/(\d+)\]`
	SQLiteBusyTimeoutMS    = 5000
	HubJobBufferSize       = 256
	OutputLineMaxBytes     = 64 * 1024
	OutputRedrawInterval   = 500 * time.Millisecond
	NotificationUserAgent  = "gotidarr"
)

// Persisted file names and subdirectory names
const (
	QueueFileName    = "queue.json"
	SyncListFileName = "sync_list.json"
	DatabaseFileName = "gotidarr.db"
	ProcessingDir    = "processing"
	LibraryDir       = "library"
)

// Storage drivers
const (
	StorageDriverFile   = "file"
	StorageDriverSQLite = "sqlite"
)

// Broadcast topics
const (
	TopicQueue     = "queue"
	TopicJobPrefix = "job:"
)
