// Package mediaserver triggers library rescans on Plex and Jellyfin after new
// files have landed in the library directory.
package mediaserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	appcfg "github.com/jo-hoe/gotidarr/internal/config"
	"github.com/jo-hoe/gotidarr/internal/targets"
)

// Plex refreshes one or more Plex library sections.
type Plex struct {
	cfg  appcfg.PlexConfig
	http *http.Client
}

// NewPlex creates a Plex target. An empty section list refreshes every section.
func NewPlex(cfg appcfg.PlexConfig) (*Plex, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("plex url must not be empty")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("plex token must not be empty")
	}
	return &Plex{cfg: cfg, http: http.DefaultClient}, nil
}

// WithHTTPClient allows tests to inject a custom HTTP client.
func (p *Plex) WithHTTPClient(c *http.Client) *Plex {
	p.http = c
	return p
}

func (p *Plex) Name() string { return "plex" }

func (p *Plex) Post(ctx context.Context, req targets.TargetRequest) (targets.TargetResult, error) {
	sections := p.cfg.Sections
	if len(sections) == 0 {
		sections = []string{"all"}
	}
	base := strings.TrimRight(p.cfg.URL, "/")
	for _, s := range sections {
		u := fmt.Sprintf("%s/library/sections/%s/refresh", base, url.PathEscape(s))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return targets.TargetResult{}, fmt.Errorf("new request: %w", err)
		}
		httpReq.Header.Set("X-Plex-Token", p.cfg.Token)
		httpReq.Header.Set("Accept", "application/json")
		if err := targets.Do(p.http, httpReq); err != nil {
			return targets.TargetResult{}, fmt.Errorf("refresh section %s: %w", s, err)
		}
	}
	return targets.TargetResult{
		TargetName: p.Name(),
		Location:   base,
		Detail:     "refreshed sections " + strings.Join(sections, ","),
	}, nil
}

// Jellyfin starts a full library scan.
type Jellyfin struct {
	cfg  appcfg.JellyfinConfig
	http *http.Client
}

func NewJellyfin(cfg appcfg.JellyfinConfig) (*Jellyfin, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("jellyfin url must not be empty")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("jellyfin api key must not be empty")
	}
	return &Jellyfin{cfg: cfg, http: http.DefaultClient}, nil
}

// WithHTTPClient allows tests to inject a custom HTTP client.
func (j *Jellyfin) WithHTTPClient(c *http.Client) *Jellyfin {
	j.http = c
	return j
}

func (j *Jellyfin) Name() string { return "jellyfin" }

func (j *Jellyfin) Post(ctx context.Context, req targets.TargetRequest) (targets.TargetResult, error) {
	base := strings.TrimRight(j.cfg.URL, "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/Library/Refresh", nil)
	if err != nil {
		return targets.TargetResult{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("X-Emby-Token", j.cfg.APIKey)
	if err := targets.Do(j.http, httpReq); err != nil {
		return targets.TargetResult{}, fmt.Errorf("library refresh: %w", err)
	}
	return targets.TargetResult{TargetName: j.Name(), Location: base, Detail: "library scan started"}, nil
}
