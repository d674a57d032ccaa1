// Package pipeline drives a submitted URL through the acquisition ladder:
// streaming extraction, direct-link resolution, server download, manifest
// scraping, and finally degraded completion.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"vidbridge/internal/media"
	"vidbridge/internal/status"
	"vidbridge/internal/strategy"
	"vidbridge/internal/util"
	"vidbridge/internal/validator"
)

// Outcome kinds recorded per finished job.
const (
	OutcomeStreaming      = "streaming"
	OutcomeDirectLink     = "direct_link"
	OutcomeServerDownload = "server_download"
	OutcomeDegraded       = "degraded"
	OutcomeError          = "error"
)

// Extractor resolves page URLs through the metadata backend.
type Extractor interface {
	Extract(ctx context.Context, rawURL string, prof strategy.Profile) (*media.Extraction, error)
	DirectLink(ctx context.Context, rawURL string, prof strategy.Profile) (*media.DirectLink, error)
	Probe(ctx context.Context, rawURL string) (*media.Probe, error)
}

// Validator probes candidate media URLs for reachability and limits.
type Validator interface {
	Validate(ctx context.Context, rawURL string) validator.Result
}

// Scraper hunts for manifest URLs in raw page HTML.
type Scraper interface {
	ManifestCandidates(ctx context.Context, pageURL string, prof strategy.Profile) ([]string, error)
}

// DownloadBackend fetches media onto the server.
type DownloadBackend interface {
	Download(ctx context.Context, rawURL string, prof strategy.Profile, destDir string) (string, error)
	DownloadFromCandidates(ctx context.Context, candidates []string, pageURL, destDir string) (string, error)
}

// StatusSink receives job progress; *status.Store satisfies it.
type StatusSink interface {
	Update(id string, state status.State, fields map[string]any)
}

// StatsRecorder persists one outcome per finished job.
type StatsRecorder interface {
	RecordOutcome(jobID, outcome string)
}

// Job is one unit of acquisition work.
type Job struct {
	ID  string
	URL string
	Dir string // per-job scratch/artifact directory, already created
}

// Pipeline wires the acquisition stages together.
type Pipeline struct {
	extractor Extractor
	validator Validator
	scraper   Scraper
	backend   DownloadBackend
	status    StatusSink
	stats     StatsRecorder
	log       *logrus.Entry
}

func New(ex Extractor, val Validator, scr Scraper, dl DownloadBackend, sink StatusSink, stats StatsRecorder) *Pipeline {
	return &Pipeline{
		extractor: ex,
		validator: val,
		scraper:   scr,
		backend:   dl,
		status:    sink,
		stats:     stats,
		log:       logrus.WithField("component", "pipeline"),
	}
}

// Run processes one job to a terminal state. It never returns an error:
// expected failures walk down the ladder to degraded completion, and a panic
// anywhere surfaces as an error status carrying an opaque error id. The job
// directory survives only when a server download produced a served file.
func (p *Pipeline) Run(ctx context.Context, job Job) {
	keepDir := false
	defer func() {
		if r := recover(); r != nil {
			errID := util.NewErrorID()
			p.log.WithFields(logrus.Fields{
				"job_id":   job.ID,
				"error_id": errID,
				"panic":    r,
			}).WithField("stack", string(debug.Stack())).Error("job processing panicked")
			p.status.Update(job.ID, status.StateError, map[string]any{
				"message":   "An unexpected error occurred while processing this video.",
				"error_id":  errID,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			p.stats.RecordOutcome(job.ID, OutcomeError)
			keepDir = false
		}
		if !keepDir {
			_ = os.RemoveAll(job.Dir)
		}
	}()

	log := p.log.WithFields(logrus.Fields{"job_id": job.ID, "url": job.URL})
	p.status.Update(job.ID, status.StateProcessing, map[string]any{
		"progress":     10,
		"message":      "Analyzing video URL...",
		"original_url": job.URL,
	})

	prof := strategy.Classify(job.URL)
	log.WithFields(logrus.Fields{
		"extractor_hint": prof.ExtractorHint,
		"stealth":        prof.NeedsStealth,
		"generic":        prof.NeedsGeneric,
	}).Info("job classified")

	if p.tryStreaming(ctx, job, prof, log) {
		return
	}
	if p.tryDirectLink(ctx, job, prof, log) {
		return
	}
	if p.tryServerDownload(ctx, job, prof, log) {
		keepDir = true
		return
	}

	// Every strategy is exhausted: hand the original URL back rather than
	// failing the job outright.
	log.Warn("all acquisition strategies exhausted, completing degraded")
	fields := map[string]any{
		"progress":      100,
		"playback_type": "degraded",
		"original_url":  job.URL,
		"message":       "Automatic processing failed. The original page may still offer playback.",
	}
	if pr, err := p.extractor.Probe(ctx, job.URL); err == nil {
		if pr.Title != "" {
			fields["title"] = pr.Title
		}
		if pr.Thumbnail != "" {
			fields["thumbnail"] = pr.Thumbnail
		}
	}
	p.status.Update(job.ID, status.StateCompleted, fields)
	p.stats.RecordOutcome(job.ID, OutcomeDegraded)
}

// tryStreaming resolves browser-playable stream candidates. Extraction
// success completes the job directly: the candidates came from the backend's
// own metadata, and probing them would reject CDNs that refuse anonymous
// ranged requests on otherwise playable signed URLs.
func (p *Pipeline) tryStreaming(ctx context.Context, job Job, prof strategy.Profile, log *logrus.Entry) bool {
	ex, err := p.extractor.Extract(ctx, job.URL, prof)
	if err != nil {
		log.WithError(err).Info("streaming extraction failed")
		return false
	}

	p.status.Update(job.ID, status.StateCompleted, map[string]any{
		"progress":       100,
		"playback_type":  "streaming",
		"title":          ex.Title,
		"thumbnail":      ex.Thumbnail,
		"duration":       ex.Duration,
		"uploader":       ex.Uploader,
		"streaming_urls": ex.Formats,
		"best":           ex.Best,
	})
	p.stats.RecordOutcome(job.ID, OutcomeStreaming)
	log.WithField("quality", ex.Best.Height).Info("job completed with streaming URLs")
	return true
}

// tryDirectLink resolves a single muxed download URL. This step has its own
// panic barrier: a fault here should fall through to server download, not
// kill the job.
func (p *Pipeline) tryDirectLink(ctx context.Context, job Job, prof strategy.Profile, log *logrus.Entry) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("direct link resolution panicked")
			ok = false
		}
	}()

	link, err := p.extractor.DirectLink(ctx, job.URL, prof)
	if err != nil {
		log.WithError(err).Info("direct link resolution failed")
		return false
	}

	res := p.validator.Validate(ctx, link.URL)
	if !res.Valid {
		log.WithField("reason", res.Reason).Info("direct link rejected")
		return false
	}

	p.status.Update(job.ID, status.StateCompleted, map[string]any{
		"progress":      100,
		"playback_type": "direct_link",
		"download_url":  link.URL,
		"title":         link.Title,
		"ext":           link.Ext,
		"thumbnail":     link.Thumbnail,
		"duration":      link.Duration,
		"uploader":      link.Uploader,
		"source":        link.Source,
	})
	p.stats.RecordOutcome(job.ID, OutcomeDirectLink)
	log.WithField("source", link.Source).Info("job completed with direct link")
	return true
}

// tryServerDownload pulls the media onto the server, falling back to scraped
// manifests when the backend cannot handle the page itself.
func (p *Pipeline) tryServerDownload(ctx context.Context, job Job, prof strategy.Profile, log *logrus.Entry) bool {
	p.status.Update(job.ID, status.StateDownloading, map[string]any{
		"progress": 30,
		"message":  "Downloading video to server...",
	})

	path, err := p.backend.Download(ctx, job.URL, prof, job.Dir)
	if err != nil {
		log.WithError(err).Info("server download failed, scraping for manifests")
		candidates, serr := p.scraper.ManifestCandidates(ctx, job.URL, prof)
		if serr != nil || len(candidates) == 0 {
			if serr != nil {
				log.WithError(serr).Info("manifest scrape failed")
			}
			return false
		}
		path, err = p.backend.DownloadFromCandidates(ctx, candidates, job.URL, job.Dir)
		if err != nil {
			log.WithError(err).Info("manifest candidates exhausted")
			return false
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		log.WithError(err).Warn("downloaded artifact vanished")
		return false
	}

	fields := map[string]any{
		"progress":      100,
		"playback_type": "server_download",
		"filename":      filepath.Base(path),
		"size_bytes":    info.Size(),
		"size":          util.ReadableSize(info.Size()),
		"file":          "/files/" + job.ID,
	}
	// Metadata is cosmetic here; a probe failure must not fail the job.
	if pr, err := p.extractor.Probe(ctx, job.URL); err == nil {
		if pr.Title != "" {
			fields["title"] = pr.Title
		}
		if pr.Thumbnail != "" {
			fields["thumbnail"] = pr.Thumbnail
		}
		if pr.Duration > 0 {
			fields["duration"] = pr.Duration
		}
		if pr.Uploader != "" {
			fields["uploader"] = pr.Uploader
		}
	}
	p.status.Update(job.ID, status.StateCompleted, fields)
	p.stats.RecordOutcome(job.ID, OutcomeServerDownload)
	log.WithField("file", filepath.Base(path)).Info("job completed with server download")
	return true
}
