package jobs

import (
	"errors"
	"time"
)

// Status represents the lifecycle stage of a download job.
type Status string

const (
	StatusQueueDownload   Status = "queue_download"
	StatusDownload        Status = "download"
	StatusQueueProcessing Status = "queue_processing"
	StatusProcessing      Status = "processing"
	StatusFinished        Status = "finished"
	StatusError           Status = "error"
	StatusNoDownload      Status = "no_download"
)

// IsActive reports whether the job holds the single execution slot in a
// state clients see as running.
func (s Status) IsActive() bool {
	return s == StatusDownload || s == StatusProcessing
}

// InFlight reports whether a subprocess or the post-processing pipeline may
// still be working on the job.
func (s Status) InFlight() bool {
	return s == StatusDownload || s == StatusQueueProcessing || s == StatusProcessing
}

// IsFinished reports whether removeFinished clears the job.
func (s Status) IsFinished() bool {
	return s == StatusFinished || s == StatusError
}

// Type is the kind of catalog item a job downloads.
type Type string

const (
	TypeAlbum             Type = "album"
	TypeTrack             Type = "track"
	TypeArtist            Type = "artist"
	TypePlaylist          Type = "playlist"
	TypeMix               Type = "mix"
	TypeVideo             Type = "video"
	TypeFavoriteAlbums    Type = "favorite_albums"
	TypeFavoriteTracks    Type = "favorite_tracks"
	TypeFavoritePlaylists Type = "favorite_playlists"
	TypeFavoriteArtists   Type = "favorite_artists"
	TypeFavoriteMixes     Type = "favorite_mixes"
	TypeArtistVideos      Type = "artist_videos"
)

var knownTypes = map[Type]struct{}{
	TypeAlbum: {}, TypeTrack: {}, TypeArtist: {}, TypePlaylist: {}, TypeMix: {}, TypeVideo: {},
	TypeFavoriteAlbums: {}, TypeFavoriteTracks: {}, TypeFavoritePlaylists: {},
	TypeFavoriteArtists: {}, TypeFavoriteMixes: {}, TypeArtistVideos: {},
}

// Valid reports whether t is one of the supported job types.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Progress counts items completed by the downloader.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Job describes one queued, running or completed download request.
type Job struct {
	ID         string     `json:"id"`
	Type       Type       `json:"type"`
	Title      string     `json:"title"`
	Artist     string     `json:"artist,omitempty"`
	URL        string     `json:"url"`
	Quality    string     `json:"quality,omitempty"`
	Status     Status     `json:"status"`
	Output     string     `json:"output"`
	Progress   *Progress  `json:"progress,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func (j *Job) clone() Job {
	c := *j
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// SyncItem is a watch-list entry re-enqueued on the sync schedule.
type SyncItem struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	Title      string     `json:"title"`
	Quality    string     `json:"quality,omitempty"`
	Type       Type       `json:"type"`
	LastUpdate *time.Time `json:"lastUpdate,omitempty"`
}

// QueueStatus is the pause gate state exposed to clients.
type QueueStatus struct {
	IsPaused bool `json:"isPaused"`
}

var (
	// ErrAlreadyQueued is returned when a job with the same id exists and has not failed.
	ErrAlreadyQueued = errors.New("job already queued")
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("job not found")
	// ErrInvalid is returned for jobs missing required fields.
	ErrInvalid = errors.New("invalid job")
	// ErrCancelTimeout is returned when the active subprocess did not confirm exit in time.
	ErrCancelTimeout = errors.New("active job did not terminate in time")
)
