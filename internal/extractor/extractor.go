// Package extractor resolves page URLs into structured media formats through
// the yt-dlp backend, and picks the best browser-playable candidate.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"vidbridge/internal/config"
	"vidbridge/internal/media"
	"vidbridge/internal/strategy"
)

// Expected failure signals. Callers treat these as "try the next strategy",
// not as faults.
var (
	ErrUnavailable      = errors.New("content unavailable")
	ErrNoMetadata       = errors.New("no metadata returned")
	ErrNoPlayableFormat = errors.New("no browser-playable format")
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (iPad; CPU OS 15_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/127.0.0.0 Mobile/15E148 Safari/604.1",
}

func defaultUserAgent() string { return userAgents[0] }

func randomUserAgent() string { return userAgents[rand.Intn(len(userAgents))] }

// unavailableMarkers identify non-retryable source errors in backend output.
var unavailableMarkers = []string{"404", "not found", "unavailable", "private", "removed"}

func isUnavailable(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range unavailableMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// runner executes the backend binary; swapped out in tests.
type runner func(ctx context.Context, bin string, args []string) (stdout []byte, stderr string, err error)

func execRunner(ctx context.Context, bin string, args []string) ([]byte, string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.Bytes(), errBuf.String(), err
}

// Client invokes the extraction backend with strategy-tuned options.
type Client struct {
	bin       string
	maxHeight int
	log       *logrus.Entry
	run       runner
	sleep     func(time.Duration)
}

// New builds a Client from the service configuration.
func New(cfg config.Config) *Client {
	return &Client{
		bin:       cfg.YtdlpPath,
		maxHeight: cfg.MaxHeight,
		log:       logrus.WithField("component", "extractor"),
		run:       execRunner,
		sleep:     time.Sleep,
	}
}

// ytdlpInfo mirrors the subset of yt-dlp's -J output the pipeline consumes.
type ytdlpInfo struct {
	Title       string        `json:"title"`
	Thumbnail   string        `json:"thumbnail"`
	Duration    float64       `json:"duration"`
	Uploader    string        `json:"uploader"`
	Description string        `json:"description"`
	ViewCount   int64         `json:"view_count"`
	UploadDate  string        `json:"upload_date"`
	URL         string        `json:"url"`
	Ext         string        `json:"ext"`
	Extractor   string        `json:"extractor"`
	Formats     []ytdlpFormat `json:"formats"`
	Entries     []ytdlpInfo   `json:"entries"`
}

type ytdlpFormat struct {
	URL      string  `json:"url"`
	FormatID string  `json:"format_id"`
	Ext      string  `json:"ext"`
	Height   int     `json:"height"`
	Vcodec   string  `json:"vcodec"`
	Acodec   string  `json:"acodec"`
	Filesize float64 `json:"filesize"`
	Protocol string  `json:"protocol"`
}

func (f ytdlpFormat) toMedia() media.Format {
	return media.Format{
		URL:        f.URL,
		FormatID:   f.FormatID,
		Ext:        f.Ext,
		Height:     f.Height,
		VideoCodec: f.Vcodec,
		AudioCodec: f.Acodec,
		Filesize:   int64(f.Filesize),
		Protocol:   f.Protocol,
	}
}

// directFileExtraction short-circuits extraction for raw file URLs: the
// source URL itself is the single candidate.
func directFileExtraction(rawURL string) *media.Extraction {
	f := media.Format{
		URL:      rawURL,
		FormatID: "direct",
		Height:   720,
		Ext:      urlExt(rawURL),
		Tier:     media.TierMuxedMP4,
	}
	return &media.Extraction{
		Title:   "Direct Video File",
		Formats: []media.Format{f},
		Best:    f,
	}
}

func urlExt(rawURL string) string {
	trimmed := rawURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if i := strings.LastIndex(trimmed, "."); i >= 0 {
		return strings.ToLower(trimmed[i+1:])
	}
	return ""
}

// Extract resolves rawURL into browser-playable streaming candidates.
// Stealth profiles get up to three attempts with rotated user agents; other
// profiles get one. Non-retryable source errors short-circuit.
func (c *Client) Extract(ctx context.Context, rawURL string, prof strategy.Profile) (*media.Extraction, error) {
	if prof.DirectFile {
		c.log.WithField("url", rawURL).Info("direct file link detected")
		return directFileExtraction(rawURL), nil
	}

	attempts := 1
	if prof.NeedsStealth {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// Back off between hostile-site attempts.
			c.sleep(time.Duration(2000+rand.Intn(2000)) * time.Millisecond)
		}

		info, err := c.dump(ctx, rawURL, c.extractArgs(rawURL, prof, attempt))
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return nil, err
			}
			lastErr = err
			c.log.WithFields(logrus.Fields{"url": rawURL, "attempt": attempt + 1}).
				WithError(err).Warn("streaming extraction attempt failed")
			continue
		}

		candidates := Select(formatsOf(info), c.maxHeight)
		if len(candidates) == 0 {
			lastErr = ErrNoPlayableFormat
			c.log.WithField("url", rawURL).Warn("no browser-playable format among candidates")
			continue
		}

		result := &media.Extraction{
			Title:       orUnknown(info.Title),
			Thumbnail:   info.Thumbnail,
			Duration:    info.Duration,
			Uploader:    info.Uploader,
			Description: info.Description,
			ViewCount:   info.ViewCount,
			UploadDate:  info.UploadDate,
			Formats:     candidates,
			Best:        candidates[0],
		}
		c.log.WithFields(logrus.Fields{
			"url":     rawURL,
			"title":   result.Title,
			"quality": result.Best.Height,
			"formats": len(candidates),
		}).Info("streaming extraction succeeded")
		return result, nil
	}

	if lastErr == nil {
		lastErr = ErrNoMetadata
	}
	return nil, lastErr
}

// DirectLink resolves rawURL into a single direct download URL via the
// backend's best muxed format. One attempt only: repeated retries against
// hostile sites are wasteful.
func (c *Client) DirectLink(ctx context.Context, rawURL string, prof strategy.Profile) (*media.DirectLink, error) {
	if prof.DirectFile {
		return &media.DirectLink{
			URL:    rawURL,
			Title:  "Direct Video File",
			Ext:    urlExt(rawURL),
			Source: "direct",
		}, nil
	}

	args := []string{
		"-J", "-f", "best", "--no-playlist", "--no-warnings",
		"--retries", "1",
		"--socket-timeout", strconv.Itoa(directLinkTimeout(prof)),
	}
	if prof.CORSConstraints {
		args = append(args, "--user-agent", defaultUserAgent(), "--add-header", "Accept:*/*")
	}
	if prof.NeedsGeneric {
		args = append(args, "--force-generic-extractor")
	}
	args = append(args, rawURL)

	info, err := c.dump(ctx, rawURL, args)
	if err != nil {
		return nil, err
	}
	if info.URL == "" {
		return nil, ErrNoMetadata
	}
	return &media.DirectLink{
		URL:       info.URL,
		Title:     orUnknown(info.Title),
		Ext:       orDefault(info.Ext, "mp4"),
		Thumbnail: info.Thumbnail,
		Duration:  info.Duration,
		Uploader:  info.Uploader,
		Source:    strings.ToLower(info.Extractor),
	}, nil
}

func directLinkTimeout(prof strategy.Profile) int {
	switch {
	case prof.ExtractorHint == "youtube":
		return 15
	case prof.NeedsGeneric:
		return 45
	default:
		return 30
	}
}

// Probe fetches minimal metadata without resolving formats. Best effort:
// callers never fail a job on a Probe error.
func (c *Client) Probe(ctx context.Context, rawURL string) (*media.Probe, error) {
	info, err := c.dump(ctx, rawURL, []string{"-J", "--no-playlist", "--no-warnings", "--retries", "1", rawURL})
	if err != nil {
		return nil, err
	}
	return &media.Probe{
		Title:     info.Title,
		Thumbnail: info.Thumbnail,
		Duration:  info.Duration,
		Uploader:  info.Uploader,
	}, nil
}

// dump runs the backend with -J style args and decodes the info JSON.
// Playlist results collapse to their first entry.
func (c *Client) dump(ctx context.Context, rawURL string, args []string) (*ytdlpInfo, error) {
	timeout := 3 * time.Minute
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, stderr, err := c.run(ctx, c.bin, args)
	if err != nil {
		if isUnavailable(stderr) {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, firstLine(stderr))
		}
		return nil, fmt.Errorf("backend failed: %w: %s", err, firstLine(stderr))
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, ErrNoMetadata
	}

	var info ytdlpInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("decoding backend output: %w", err)
	}
	if len(info.Entries) > 0 {
		// Playlist/search result: first entry wins.
		info = info.Entries[0]
	}
	if info.Title == "" && len(info.Formats) == 0 && info.URL == "" {
		return nil, ErrNoMetadata
	}
	return &info, nil
}

// extractArgs builds the streaming-extraction argument list for one attempt.
func (c *Client) extractArgs(rawURL string, prof strategy.Profile, attempt int) []string {
	sockTimeout := prof.Timeout.Seconds()
	ua := defaultUserAgent()

	args := []string{
		"-J", "--no-warnings", "--ignore-errors",
		"--retries", "1", "--fragment-retries", "1",
		"--no-check-certificates",
	}

	switch {
	case prof.NeedsStealth:
		sockTimeout = 120
		ua = randomUserAgent()
		args = append(args, "--geo-bypass", "--sleep-interval", "3", "--max-sleep-interval", "8")
	case prof.CORSConstraints:
		ua = randomUserAgent()
		args = append(args,
			"--add-header", "Accept:*/*",
			"--add-header", "Sec-Fetch-Mode:cors",
			"--add-header", "Sec-Fetch-Site:cross-site")
	case prof.NeedsGeneric:
		args = append(args, "--force-generic-extractor")
	}

	if attempt > 0 {
		ua = randomUserAgent()
	}

	args = append(args,
		"--socket-timeout", strconv.Itoa(sockTimeout),
		"--user-agent", ua,
		rawURL)
	return args
}

func formatsOf(info *ytdlpInfo) []media.Format {
	out := make([]media.Format, 0, len(info.Formats))
	for _, f := range info.Formats {
		out = append(out, f.toMedia())
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func orUnknown(title string) string {
	if title == "" {
		return "Unknown Title"
	}
	return title
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
