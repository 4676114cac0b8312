package common

import "testing"

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" {
		t.Fatalf("ContentTypeJSON = %q", ContentTypeJSON)
	}
	if ContentTypeEventFeed != "text/event-stream" {
		t.Fatalf("ContentTypeEventFeed = %q", ContentTypeEventFeed)
	}
	if HeaderAPIKey != "X-API-Key" {
		t.Fatalf("HeaderAPIKey = %q", HeaderAPIKey)
	}
	if PathSave != "/save" || PathQueueStatus != "/queue/status" || PathSyncTrigger != "/sync/trigger" {
		t.Fatalf("paths mismatch: %q, %q, %q", PathSave, PathQueueStatus, PathSyncTrigger)
	}
	if PathStreamProcessing != "/stream-processing" || PathStreamItemOutput != "/stream-item-output" {
		t.Fatalf("stream paths mismatch")
	}
	if QueueFileName == "" || SyncListFileName == "" || DatabaseFileName == "" {
		t.Fatalf("file names should be non-empty")
	}
	if StorageDriverFile == StorageDriverSQLite {
		t.Fatalf("storage drivers must differ")
	}
	if HubJobBufferSize <= 0 || OutputLineMaxBytes <= 0 {
		t.Fatalf("limits should be positive")
	}
}
