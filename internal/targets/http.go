package targets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jo-hoe/gotidarr/internal/common"
)

// Do sends req with the notification user agent and treats any non-2xx
// response as an error carrying a short body excerpt.
func Do(client *http.Client, req *http.Request) error {
	if client == nil {
		client = http.DefaultClient
	}
	req.Header.Set("User-Agent", common.NotificationUserAgent)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if msg := strings.TrimSpace(string(excerpt)); msg != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// PostJSON marshals payload and posts it to url.
func PostJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return Do(client, req)
}

// Retry calls fn up to attempts times, sleeping attempt*backoff between tries.
// It stops early when ctx is done.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(time.Duration(attempt) * backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
