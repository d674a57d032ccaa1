// Package validator probes candidate direct-download URLs before they are
// handed to clients. Probes are cheap: a single ranged request for the first
// byte, with one GET retry when HEAD is rejected.
package validator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vidbridge/internal/config"
)

// Result is the outcome of one probe. Reason is set only when Valid is
// false; it is a diagnostic string, never surfaced verbatim to end users.
type Result struct {
	Valid       bool
	Size        int64
	ContentType string
	Reason      string
}

const probeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"

// Validator issues lightweight reachability probes.
type Validator struct {
	client  *http.Client
	maxSize int64
}

// New builds a Validator from the service configuration.
func New(cfg config.Config) *Validator {
	return &Validator{
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		maxSize: cfg.MaxFileSize(),
	}
}

// Validate probes rawURL. Validation failures are returned in the Result;
// this function never returns an error to the caller.
func (v *Validator) Validate(ctx context.Context, rawURL string) Result {
	resp, err := v.probe(ctx, http.MethodHead, rawURL)
	if err != nil {
		return Result{Valid: false, Reason: fmt.Sprintf("probe failed: %v", err)}
	}
	resp.Body.Close()

	// Some servers reject HEAD outright; retry once with a partial GET.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp, err = v.probe(ctx, http.MethodGet, rawURL)
		if err != nil {
			return Result{Valid: false, Reason: fmt.Sprintf("probe failed: %v", err)}
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			return Result{Valid: false, Reason: fmt.Sprintf("unexpected status: %d", resp.StatusCode)}
		}
	}

	size := contentSize(resp)
	if size > v.maxSize {
		return Result{
			Valid:  false,
			Size:   size,
			Reason: fmt.Sprintf("size %.1fMB exceeds limit", float64(size)/(1024*1024)),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !videoLike(contentType) {
		// Escape hatch for misconfigured servers: trust the URL's own
		// extension when it strongly implies a media file.
		lower := strings.ToLower(rawURL)
		if !strings.HasSuffix(pathOnly(lower), ".mp4") && !strings.HasSuffix(pathOnly(lower), ".m3u8") {
			return Result{Valid: false, Size: size, ContentType: contentType,
				Reason: fmt.Sprintf("unexpected content type: %s", contentType)}
		}
	}

	return Result{Valid: true, Size: size, ContentType: contentType}
}

func (v *Validator) probe(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", probeUserAgent)
	req.Header.Set("Range", "bytes=0-0")
	return v.client.Do(req)
}

// contentSize prefers the full size declared by Content-Range on partial
// responses over the one-byte Content-Length the Range request produces.
func contentSize(resp *http.Response) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndex(cr, "/"); i >= 0 && cr[i+1:] != "*" {
			var total int64
			if _, err := fmt.Sscanf(cr[i+1:], "%d", &total); err == nil {
				return total
			}
		}
	}
	if resp.StatusCode == http.StatusPartialContent {
		return 0 // partial length says nothing about the whole file
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return 0
}

func videoLike(contentType string) bool {
	lower := strings.ToLower(contentType)
	return strings.Contains(lower, "video") || strings.Contains(lower, "octet-stream")
}

func pathOnly(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}
