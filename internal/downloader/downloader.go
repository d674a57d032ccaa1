// Package downloader pulls media onto the server through the yt-dlp backend
// when no browser-playable stream or direct link exists.
package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"vidbridge/internal/config"
	"vidbridge/internal/strategy"
)

// ErrNoArtifact means the backend exited cleanly but left nothing playable
// behind. Manifest-only leftovers count as nothing.
var ErrNoArtifact = errors.New("no playable artifact produced")

const downloadTimeout = 30 * time.Minute

// maxManifestCandidates caps how many scraped manifests a fallback download
// will try before giving up.
const maxManifestCandidates = 3

// playableExtensions are the container types worth serving back to a client.
var playableExtensions = map[string]bool{
	".mp4": true, ".webm": true, ".mkv": true,
	".m4v": true, ".mov": true, ".avi": true, ".flv": true,
}

// leftoverExtensions are backend droppings that must not survive a job.
var leftoverExtensions = map[string]bool{
	".m3u8": true, ".part": true, ".ytdl": true, ".tmp": true, ".frag": true,
}

type runner func(ctx context.Context, bin string, args []string) (stdout []byte, stderr string, err error)

func execRunner(ctx context.Context, bin string, args []string) ([]byte, string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.Bytes(), errBuf.String(), err
}

// Backend downloads media into per-job directories.
type Backend struct {
	bin       string
	maxHeight int
	maxSize   int64
	log       *logrus.Entry
	run       runner
}

// New builds a Backend from the service configuration.
func New(cfg config.Config) *Backend {
	return &Backend{
		bin:       cfg.YtdlpPath,
		maxHeight: cfg.MaxHeight,
		maxSize:   cfg.MaxFileSize(),
		log:       logrus.WithField("component", "downloader"),
		run:       execRunner,
	}
}

// Download fetches rawURL into destDir with strategy-tuned backend options
// and returns the path of the resulting file.
func (b *Backend) Download(ctx context.Context, rawURL string, prof strategy.Profile, destDir string) (string, error) {
	args := b.baseArgs(destDir)

	switch {
	case prof.NeedsStealth:
		args = append(args,
			"--geo-bypass",
			"--sleep-interval", "3", "--max-sleep-interval", "8",
			"--socket-timeout", "120")
	case prof.NeedsGeneric:
		args = append(args, "--force-generic-extractor", "--socket-timeout", "60")
	default:
		args = append(args, "--socket-timeout", strconv.Itoa(prof.Timeout.Seconds()))
	}
	if prof.CORSConstraints {
		args = append(args, "--add-header", "Accept:*/*")
	}
	args = append(args, rawURL)

	return b.runAndLocate(ctx, rawURL, args, destDir)
}

// DownloadManifest fetches a single scraped manifest URL into destDir.
// pageURL is sent as Referer; manifest hosts routinely reject requests
// without it.
func (b *Backend) DownloadManifest(ctx context.Context, manifestURL, pageURL, destDir string) (string, error) {
	args := b.baseArgs(destDir)
	args = append(args,
		"--downloader", "m3u8:native",
		"--socket-timeout", "60",
		"--add-header", "Referer:"+pageURL,
		manifestURL)
	return b.runAndLocate(ctx, manifestURL, args, destDir)
}

// DownloadFromCandidates tries scraped manifest candidates best-first until
// one yields a playable file. At most three are attempted.
func (b *Backend) DownloadFromCandidates(ctx context.Context, candidates []string, pageURL, destDir string) (string, error) {
	if len(candidates) > maxManifestCandidates {
		candidates = candidates[:maxManifestCandidates]
	}
	var lastErr error
	for i, cand := range candidates {
		path, err := b.DownloadManifest(ctx, cand, pageURL, destDir)
		if err == nil {
			return path, nil
		}
		lastErr = err
		b.log.WithFields(logrus.Fields{"candidate": i + 1, "url": cand}).
			WithError(err).Warn("manifest candidate failed")
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = ErrNoArtifact
	}
	return "", lastErr
}

func (b *Backend) baseArgs(destDir string) []string {
	return []string{
		"--no-playlist", "--no-warnings",
		"--retries", "2", "--fragment-retries", "2",
		"--no-check-certificates",
		"-f", fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]/best", b.maxHeight, b.maxHeight),
		"--merge-output-format", "mp4",
		"--max-filesize", strconv.FormatInt(b.maxSize, 10),
		"-o", filepath.Join(destDir, "%(title).120s.%(ext)s"),
	}
}

func (b *Backend) runAndLocate(ctx context.Context, rawURL string, args []string, destDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	start := time.Now()
	_, stderr, err := b.run(ctx, b.bin, args)
	if err != nil {
		// The backend may exit nonzero after writing a usable file
		// (e.g. post-processing hiccups), so locate before failing.
		if path, lerr := LocateArtifact(destDir); lerr == nil {
			b.log.WithField("url", rawURL).WithError(err).
				Warn("backend exited nonzero but produced an artifact")
			return path, nil
		}
		return "", fmt.Errorf("backend download failed: %w: %s", err, firstLine(stderr))
	}

	path, err := LocateArtifact(destDir)
	if err != nil {
		return "", err
	}
	b.log.WithFields(logrus.Fields{
		"url":     rawURL,
		"file":    filepath.Base(path),
		"elapsed": time.Since(start).Round(time.Second),
	}).Info("server download completed")
	return path, nil
}

// LocateArtifact returns the largest playable file in dir. Backend leftovers
// (manifests, partial fragments) are removed along the way; a directory
// holding only leftovers yields ErrNoArtifact.
func LocateArtifact(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading download dir: %w", err)
	}

	var best string
	var bestSize int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		full := filepath.Join(dir, e.Name())
		if leftoverExtensions[ext] {
			_ = os.Remove(full)
			continue
		}
		if !playableExtensions[ext] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = full, info.Size()
		}
	}
	if best == "" {
		return "", ErrNoArtifact
	}
	return best, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
