// Package push sends notifications about finished downloads to push services
// and generic webhooks.
package push

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	appcfg "github.com/jo-hoe/gotidarr/internal/config"
	"github.com/jo-hoe/gotidarr/internal/targets"
)

const notificationTitle = "gotidarr"

// Webhook posts a JSON event, retrying failed deliveries with linear backoff.
type Webhook struct {
	cfg  appcfg.WebhookConfig
	http *http.Client
}

func NewWebhook(cfg appcfg.WebhookConfig) (*Webhook, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("webhook url must not be empty")
	}
	return &Webhook{cfg: cfg, http: http.DefaultClient}, nil
}

// WithHTTPClient allows tests to inject a custom HTTP client.
func (w *Webhook) WithHTTPClient(c *http.Client) *Webhook {
	w.http = c
	return w
}

func (w *Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	Event      string    `json:"event"`
	JobID      string    `json:"jobId"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist,omitempty"`
	URL        string    `json:"url"`
	Quality    string    `json:"quality,omitempty"`
	Files      []string  `json:"files"`
	LibraryDir string    `json:"libraryDir"`
	Timestamp  time.Time `json:"timestamp"`
}

func (w *Webhook) Post(ctx context.Context, req targets.TargetRequest) (targets.TargetResult, error) {
	payload := webhookPayload{
		Event:      "job.finished",
		JobID:      req.JobID,
		Type:       req.Type,
		Title:      req.Title,
		Artist:     req.Artist,
		URL:        req.URL,
		Quality:    req.Quality,
		Files:      req.Files,
		LibraryDir: req.LibraryDir,
		Timestamp:  req.Timestamp,
	}
	if payload.Files == nil {
		payload.Files = []string{}
	}
	err := targets.Retry(ctx, w.cfg.Retries, w.cfg.Backoff, func() error {
		return targets.PostJSON(ctx, w.http, w.cfg.URL, payload, nil)
	})
	if err != nil {
		return targets.TargetResult{}, fmt.Errorf("webhook: %w", err)
	}
	return targets.TargetResult{TargetName: w.Name(), Location: w.cfg.URL}, nil
}

// Gotify pushes a message through a Gotify application token.
type Gotify struct {
	cfg  appcfg.GotifyConfig
	http *http.Client
}

func NewGotify(cfg appcfg.GotifyConfig) (*Gotify, error) {
	if strings.TrimSpace(cfg.URL) == "" || strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("gotify url and token must not be empty")
	}
	return &Gotify{cfg: cfg, http: http.DefaultClient}, nil
}

// WithHTTPClient allows tests to inject a custom HTTP client.
func (g *Gotify) WithHTTPClient(c *http.Client) *Gotify {
	g.http = c
	return g
}

func (g *Gotify) Name() string { return "gotify" }

func (g *Gotify) Post(ctx context.Context, req targets.TargetRequest) (targets.TargetResult, error) {
	u := strings.TrimRight(g.cfg.URL, "/") + "/message"
	body := map[string]any{
		"title":    notificationTitle,
		"message":  req.Summary(),
		"priority": g.cfg.Priority,
	}
	if err := targets.PostJSON(ctx, g.http, u, body, map[string]string{"X-Gotify-Key": g.cfg.Token}); err != nil {
		return targets.TargetResult{}, fmt.Errorf("gotify: %w", err)
	}
	return targets.TargetResult{TargetName: g.Name(), Location: u}, nil
}

// Ntfy publishes a plain-text message to an ntfy topic.
type Ntfy struct {
	cfg  appcfg.NtfyConfig
	http *http.Client
}

func NewNtfy(cfg appcfg.NtfyConfig) (*Ntfy, error) {
	if strings.TrimSpace(cfg.URL) == "" || strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("ntfy url and topic must not be empty")
	}
	return &Ntfy{cfg: cfg, http: http.DefaultClient}, nil
}

// WithHTTPClient allows tests to inject a custom HTTP client.
func (n *Ntfy) WithHTTPClient(c *http.Client) *Ntfy {
	n.http = c
	return n
}

func (n *Ntfy) Name() string { return "ntfy" }

func (n *Ntfy) Post(ctx context.Context, req targets.TargetRequest) (targets.TargetResult, error) {
	u := strings.TrimRight(n.cfg.URL, "/") + "/" + n.cfg.Topic
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(req.Summary()))
	if err != nil {
		return targets.TargetResult{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Title", notificationTitle)
	httpReq.Header.Set("Tags", "musical_note")
	if n.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+n.cfg.Token)
	}
	if err := targets.Do(n.http, httpReq); err != nil {
		return targets.TargetResult{}, fmt.Errorf("ntfy: %w", err)
	}
	return targets.TargetResult{TargetName: n.Name(), Location: u}, nil
}
