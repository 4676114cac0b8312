package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/gotidarr/internal/common"
)

// EnvConfigPath names the environment variable consulted when no config path is given.
const EnvConfigPath = "GOTIDARR_CONFIG"

// Config is the root configuration loaded from YAML.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Queue       QueueConfig       `yaml:"queue"`
	Downloader  DownloaderConfig  `yaml:"downloader"`
	PostProcess PostProcessConfig `yaml:"postProcess"`
	Sync        SyncConfig        `yaml:"sync"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr           string          `yaml:"address"`
	ReadTimeout    time.Duration   `yaml:"readTimeout"`
	WriteTimeout   time.Duration   `yaml:"writeTimeout"`
	IdleTimeout    time.Duration   `yaml:"idleTimeout"`
	MaxBodySize    ByteSize        `yaml:"maxBodySize"`
	APIKey         string          `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	ShutdownGrace  time.Duration   `yaml:"shutdownGrace"` // time to wait for the active job before forced stop
	LogLevel       string          `yaml:"logLevel"`      // debug|info|warn|error
	LogFile        string          `yaml:"logFile"`       // optional JSON log file in addition to stdout
	RateLimit      RateLimitConfig `yaml:"rateLimit"`
	SSEKeepAlive   time.Duration   `yaml:"sseKeepAlive"`
	MetricsEnabled bool            `yaml:"metricsEnabled"`
}

// RateLimitConfig limits API requests process-wide. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// StorageConfig selects where the queue and watch list are persisted.
type StorageConfig struct {
	Driver              string        `yaml:"driver"` // file|sqlite
	DataDir             string        `yaml:"dataDir"`
	DatabasePath        string        `yaml:"databasePath"` // sqlite only, defaults to dataDir/gotidarr.db
	OutputFlushInterval time.Duration `yaml:"outputFlushInterval"`
}

// QueueConfig controls the dispatcher.
type QueueConfig struct {
	NoDownload    bool          `yaml:"noDownload"` // accept jobs but never run the downloader
	StartPaused   bool          `yaml:"startPaused"`
	CancelTimeout time.Duration `yaml:"cancelTimeout"` // how long removal waits for the subprocess to exit
}

// DownloaderConfig describes the external download tool.
type DownloaderConfig struct {
	Command         string            `yaml:"command"`
	Args            []string          `yaml:"args"` // text/template with .ID .URL .Quality .Type .OutputDir
	WorkDir         string            `yaml:"workDir"`
	ProgressPattern string            `yaml:"progressPattern"`
	KillGrace       time.Duration     `yaml:"killGrace"`
	Env             map[string]string `yaml:"env"`
}

// PostProcessConfig configures the finalization pipeline.
type PostProcessConfig struct {
	LibraryDir    string        `yaml:"libraryDir"`
	PlaylistTypes []string      `yaml:"playlistTypes"`
	PUID          *int          `yaml:"puid"`
	PGID          *int          `yaml:"pgid"`
	FileMode      FileMode      `yaml:"fileMode"`
	DirMode       FileMode      `yaml:"dirMode"`
	Script        ScriptConfig  `yaml:"script"`
	Targets       TargetsConfig `yaml:"targets"`
}

// ScriptConfig points at an optional user script run after every successful job.
type ScriptConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// TargetsConfig groups all external services notified after finalization.
type TargetsConfig struct {
	Plex     PlexConfig     `yaml:"plex"`
	Jellyfin JellyfinConfig `yaml:"jellyfin"`
	Gotify   GotifyConfig   `yaml:"gotify"`
	Ntfy     NtfyConfig     `yaml:"ntfy"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

// PlexConfig triggers Plex library section refreshes.
type PlexConfig struct {
	URL      string   `yaml:"url"`
	Token    string   `yaml:"token"`    // supports env expansion
	Sections []string `yaml:"sections"` // empty refreshes all sections
}

// JellyfinConfig triggers a Jellyfin library scan.
type JellyfinConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
}

// GotifyConfig pushes a message to a Gotify server.
type GotifyConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	Priority int    `yaml:"priority"`
}

// NtfyConfig publishes a message to an ntfy topic.
type NtfyConfig struct {
	URL   string `yaml:"url"`
	Topic string `yaml:"topic"`
	Token string `yaml:"token"`
}

// WebhookConfig posts a JSON event to an arbitrary endpoint.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// SyncConfig controls the watch-list scheduler.
type SyncConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Schedule       string `yaml:"schedule"`     // standard 5-field cron expression or @descriptor
	RespectPause   bool   `yaml:"respectPause"` // skip scheduled ticks while the queue is paused
	DefaultQuality string `yaml:"defaultQuality"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

// FileMode is a permission value written in octal in YAML ("0644", "755").
type FileMode os.FileMode

// UnmarshalYAML implements yaml unmarshalling for FileMode.
func (m *FileMode) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid file mode node kind: %v", value.Kind)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(value.Value), 8, 32)
	if err != nil {
		return fmt.Errorf("invalid file mode %q: %w", value.Value, err)
	}
	*m = FileMode(v)
	return nil
}

// MarshalYAML writes the mode back in octal.
func (m FileMode) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%04o", uint32(m)), nil
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var GOTIDARR_CONFIG, then "config.yaml".
// A missing implicit config.yaml is not an error: defaults are used.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		if env := os.Getenv(EnvConfigPath); env != "" {
			path = env
			explicit = true
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = nil
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML, applying env expansion, defaults and validation.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.Storage.DataDir, cfg.Downloader.WorkDir, cfg.PostProcess.LibraryDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8484"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = ByteSize(1024 * 1024)
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.SSEKeepAlive == 0 {
		cfg.Server.SSEKeepAlive = 15 * time.Second
	}
	if cfg.Server.RateLimit.RequestsPerSecond > 0 && cfg.Server.RateLimit.Burst <= 0 {
		cfg.Server.RateLimit.Burst = int(cfg.Server.RateLimit.RequestsPerSecond) + 1
	}

	// Storage defaults
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = common.StorageDriverFile
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.Driver == common.StorageDriverSQLite && cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = filepath.Join(cfg.Storage.DataDir, common.DatabaseFileName)
	}
	if cfg.Storage.OutputFlushInterval == 0 {
		cfg.Storage.OutputFlushInterval = 2 * time.Second
	}

	// Queue defaults
	if cfg.Queue.CancelTimeout == 0 {
		cfg.Queue.CancelTimeout = 30 * time.Second
	}

	// Downloader defaults
	if cfg.Downloader.Command == "" {
		cfg.Downloader.Command = "tiddl"
	}
	if len(cfg.Downloader.Args) == 0 {
		cfg.Downloader.Args = []string{"url", "{{ .URL }}", "download", "--quality", "{{ .Quality }}", "--path", "{{ .OutputDir }}"}
	}
	if cfg.Downloader.WorkDir == "" {
		cfg.Downloader.WorkDir = filepath.Join(cfg.Storage.DataDir, common.ProcessingDir)
	}
	if cfg.Downloader.ProgressPattern == "" {
		cfg.Downloader.ProgressPattern = common.DefaultProgressPattern
	}
	if cfg.Downloader.KillGrace == 0 {
		cfg.Downloader.KillGrace = 10 * time.Second
	}

	// Post-processing defaults
	if cfg.PostProcess.LibraryDir == "" {
		cfg.PostProcess.LibraryDir = filepath.Join(cfg.Storage.DataDir, common.LibraryDir)
	}
	if cfg.PostProcess.PlaylistTypes == nil {
		cfg.PostProcess.PlaylistTypes = []string{"playlist", "mix", "favorite_playlists"}
	}
	if cfg.PostProcess.Script.Timeout == 0 {
		cfg.PostProcess.Script.Timeout = 5 * time.Minute
	}
	if cfg.PostProcess.Targets.Webhook.Retries == 0 {
		cfg.PostProcess.Targets.Webhook.Retries = 3
	}
	if cfg.PostProcess.Targets.Webhook.Backoff == 0 {
		cfg.PostProcess.Targets.Webhook.Backoff = 2 * time.Second
	}
	if cfg.PostProcess.Targets.Gotify.Priority == 0 {
		cfg.PostProcess.Targets.Gotify.Priority = 5
	}

	// Sync defaults
	if strings.TrimSpace(cfg.Sync.Schedule) == "" {
		cfg.Sync.Schedule = common.DefaultSyncSchedule
	}
	if cfg.Sync.DefaultQuality == "" {
		cfg.Sync.DefaultQuality = "high"
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case common.StorageDriverFile, common.StorageDriverSQLite:
	default:
		return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
	}
	if _, err := regexp.Compile(cfg.Downloader.ProgressPattern); err != nil {
		return fmt.Errorf("downloader.progressPattern: %w", err)
	}
	for i, a := range cfg.Downloader.Args {
		if _, err := template.New("arg").Parse(a); err != nil {
			return fmt.Errorf("downloader.args[%d]: %w", i, err)
		}
	}
	if cfg.Sync.Enabled {
		if _, err := cron.ParseStandard(cfg.Sync.Schedule); err != nil {
			return fmt.Errorf("sync.schedule: %w", err)
		}
	}
	if (cfg.PostProcess.PUID == nil) != (cfg.PostProcess.PGID == nil) {
		return errors.New("postProcess.puid and postProcess.pgid must be set together")
	}
	t := cfg.PostProcess.Targets
	if t.Plex.URL != "" && strings.TrimSpace(t.Plex.Token) == "" {
		return errors.New("postProcess.targets.plex.token is required")
	}
	if t.Jellyfin.URL != "" && strings.TrimSpace(t.Jellyfin.APIKey) == "" {
		return errors.New("postProcess.targets.jellyfin.apiKey is required")
	}
	if t.Gotify.URL != "" && strings.TrimSpace(t.Gotify.Token) == "" {
		return errors.New("postProcess.targets.gotify.token is required")
	}
	if t.Ntfy.URL != "" && strings.TrimSpace(t.Ntfy.Topic) == "" {
		return errors.New("postProcess.targets.ntfy.topic is required")
	}
	if cfg.Server.RateLimit.RequestsPerSecond < 0 {
		return errors.New("server.rateLimit.requestsPerSecond must not be negative")
	}
	return nil
}
