package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"vidbridge/internal/media"
	"vidbridge/internal/status"
	"vidbridge/internal/strategy"
	"vidbridge/internal/validator"
)

type fakeExtractor struct {
	ex          *media.Extraction
	exErr       error
	panicOnEx   bool
	link        *media.DirectLink
	linkErr     error
	panicOnLink bool
	probe       *media.Probe
}

func (f *fakeExtractor) Extract(ctx context.Context, rawURL string, prof strategy.Profile) (*media.Extraction, error) {
	if f.panicOnEx {
		panic("extractor blew up")
	}
	return f.ex, f.exErr
}

func (f *fakeExtractor) DirectLink(ctx context.Context, rawURL string, prof strategy.Profile) (*media.DirectLink, error) {
	if f.panicOnLink {
		panic("direct link blew up")
	}
	return f.link, f.linkErr
}

func (f *fakeExtractor) Probe(ctx context.Context, rawURL string) (*media.Probe, error) {
	if f.probe != nil {
		return f.probe, nil
	}
	return nil, errors.New("no probe")
}

type fakeValidator struct {
	valid  bool
	reason string
}

func (f *fakeValidator) Validate(ctx context.Context, rawURL string) validator.Result {
	return validator.Result{Valid: f.valid, Reason: f.reason}
}

type fakeScraper struct {
	candidates []string
	err        error
}

func (f *fakeScraper) ManifestCandidates(ctx context.Context, pageURL string, prof strategy.Profile) ([]string, error) {
	return f.candidates, f.err
}

type fakeBackend struct {
	t        *testing.T
	direct   bool // Download succeeds
	fromCand bool // DownloadFromCandidates succeeds
	wrote    string
}

func (f *fakeBackend) produce(dir string) (string, error) {
	path := filepath.Join(dir, "video.mp4")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		f.t.Fatal(err)
	}
	f.wrote = path
	return path, nil
}

func (f *fakeBackend) Download(ctx context.Context, rawURL string, prof strategy.Profile, destDir string) (string, error) {
	if !f.direct {
		return "", errors.New("backend refused")
	}
	return f.produce(destDir)
}

func (f *fakeBackend) DownloadFromCandidates(ctx context.Context, candidates []string, pageURL, destDir string) (string, error) {
	if !f.fromCand {
		return "", errors.New("candidates exhausted")
	}
	return f.produce(destDir)
}

type sinkUpdate struct {
	state  status.State
	fields map[string]any
}

type fakeSink struct {
	updates []sinkUpdate
}

func (f *fakeSink) Update(id string, state status.State, fields map[string]any) {
	f.updates = append(f.updates, sinkUpdate{state: state, fields: fields})
}

func (f *fakeSink) last() sinkUpdate {
	return f.updates[len(f.updates)-1]
}

type fakeStats struct {
	outcomes []string
}

func (f *fakeStats) RecordOutcome(jobID, outcome string) {
	f.outcomes = append(f.outcomes, outcome)
}

func sampleExtraction() *media.Extraction {
	best := media.Format{URL: "https://cdn.example/v.mp4", Height: 1080, Ext: "mp4"}
	return &media.Extraction{Title: "clip", Formats: []media.Format{best}, Best: best}
}

func newJob(t *testing.T) Job {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "job1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return Job{ID: "job1", URL: "https://site.example/watch/1", Dir: dir}
}

func dirExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRunStreamingSuccess(t *testing.T) {
	job := newJob(t)
	sink := &fakeSink{}
	stats := &fakeStats{}
	p := New(
		&fakeExtractor{ex: sampleExtraction()},
		&fakeValidator{valid: true},
		&fakeScraper{},
		&fakeBackend{t: t},
		sink, stats,
	)

	p.Run(context.Background(), job)

	if sink.updates[0].state != status.StateProcessing {
		t.Errorf("first update state = %q, want processing", sink.updates[0].state)
	}
	last := sink.last()
	if last.state != status.StateCompleted {
		t.Fatalf("final state = %q, want completed", last.state)
	}
	if last.fields["playback_type"] != "streaming" || last.fields["progress"] != 100 {
		t.Errorf("final fields = %v", last.fields)
	}
	if len(stats.outcomes) != 1 || stats.outcomes[0] != OutcomeStreaming {
		t.Errorf("outcomes = %v", stats.outcomes)
	}
	if dirExists(job.Dir) {
		t.Error("job dir should be removed after streaming completion")
	}
}

func TestRunStreamingCompletesWithoutProbe(t *testing.T) {
	job := newJob(t)
	sink := &fakeSink{}
	stats := &fakeStats{}
	// The validator rejects everything: extraction success must still
	// complete the job with streaming candidates, since signed stream URLs
	// routinely refuse anonymous ranged requests.
	p := New(
		&fakeExtractor{ex: sampleExtraction()},
		&fakeValidator{valid: false, reason: "403 on ranged probe"},
		&fakeScraper{err: errors.New("blocked")},
		&fakeBackend{t: t},
		sink, stats,
	)

	p.Run(context.Background(), job)

	last := sink.last()
	if last.state != status.StateCompleted || last.fields["playback_type"] != "streaming" {
		t.Fatalf("final update = %+v, want streaming completion", last)
	}
	if stats.outcomes[0] != OutcomeStreaming {
		t.Errorf("outcomes = %v", stats.outcomes)
	}
}

func TestRunFallsToDirectLink(t *testing.T) {
	job := newJob(t)
	sink := &fakeSink{}
	stats := &fakeStats{}
	p := New(
		&fakeExtractor{
			exErr: errors.New("no formats"),
			link:  &media.DirectLink{URL: "https://cdn.example/best.mp4", Title: "clip", Ext: "mp4", Source: "generic"},
		},
		&fakeValidator{valid: true},
		&fakeScraper{},
		&fakeBackend{t: t},
		sink, stats,
	)

	p.Run(context.Background(), job)

	last := sink.last()
	if last.state != status.StateCompleted || last.fields["playback_type"] != "direct_link" {
		t.Fatalf("final update = %v", last)
	}
	if last.fields["download_url"] != "https://cdn.example/best.mp4" {
		t.Errorf("download_url = %v", last.fields["download_url"])
	}
	if stats.outcomes[0] != OutcomeDirectLink {
		t.Errorf("outcomes = %v", stats.outcomes)
	}
}

func TestRunServerDownloadKeepsDir(t *testing.T) {
	job := newJob(t)
	sink := &fakeSink{}
	stats := &fakeStats{}
	backend := &fakeBackend{t: t, direct: true}
	p := New(
		&fakeExtractor{
			exErr:   errors.New("no formats"),
			linkErr: errors.New("no link"),
			probe:   &media.Probe{Title: "clip", Uploader: "chan", Duration: 12},
		},
		&fakeValidator{valid: false, reason: "unreachable"},
		&fakeScraper{},
		backend,
		sink, stats,
	)

	p.Run(context.Background(), job)

	var sawDownloading bool
	for _, u := range sink.updates {
		if u.state == status.StateDownloading && u.fields["progress"] == 30 {
			sawDownloading = true
		}
	}
	if !sawDownloading {
		t.Error("missing downloading update with progress 30")
	}

	last := sink.last()
	if last.fields["playback_type"] != "server_download" {
		t.Fatalf("final fields = %v", last.fields)
	}
	if last.fields["file"] != "/files/job1" || last.fields["filename"] != "video.mp4" {
		t.Errorf("file fields = %v", last.fields)
	}
	if last.fields["title"] != "clip" || last.fields["uploader"] != "chan" {
		t.Errorf("probed metadata missing from completion: %v", last.fields)
	}
	if !dirExists(job.Dir) {
		t.Error("job dir must survive a successful server download")
	}
	if stats.outcomes[0] != OutcomeServerDownload {
		t.Errorf("outcomes = %v", stats.outcomes)
	}
}

func TestRunManifestFallback(t *testing.T) {
	job := newJob(t)
	sink := &fakeSink{}
	stats := &fakeStats{}
	p := New(
		&fakeExtractor{exErr: errors.New("no formats"), linkErr: errors.New("no link")},
		&fakeValidator{valid: false},
		&fakeScraper{candidates: []string{"https://cdn.example/a.m3u8"}},
		&fakeBackend{t: t, fromCand: true},
		sink, stats,
	)

	p.Run(context.Background(), job)

	if sink.last().fields["playback_type"] != "server_download" {
		t.Fatalf("final fields = %v", sink.last().fields)
	}
	if stats.outcomes[0] != OutcomeServerDownload {
		t.Errorf("outcomes = %v", stats.outcomes)
	}
}

func TestRunDegradedCompletion(t *testing.T) {
	job := newJob(t)
	sink := &fakeSink{}
	stats := &fakeStats{}
	p := New(
		&fakeExtractor{
			exErr:   errors.New("no formats"),
			linkErr: errors.New("no link"),
			probe:   &media.Probe{Title: "clip"},
		},
		&fakeValidator{valid: false},
		&fakeScraper{err: errors.New("blocked")},
		&fakeBackend{t: t},
		sink, stats,
	)

	p.Run(context.Background(), job)

	last := sink.last()
	if last.state != status.StateCompleted || last.fields["playback_type"] != "degraded" {
		t.Fatalf("final update = %v", last)
	}
	if last.fields["original_url"] != job.URL {
		t.Errorf("degraded completion must carry the original URL: %v", last.fields)
	}
	if last.fields["title"] != "clip" {
		t.Errorf("degraded completion should carry probed metadata: %v", last.fields)
	}
	if stats.outcomes[0] != OutcomeDegraded {
		t.Errorf("outcomes = %v", stats.outcomes)
	}
	if dirExists(job.Dir) {
		t.Error("job dir should be removed on degraded completion")
	}
}

func TestRunDirectLinkPanicFallsThrough(t *testing.T) {
	job := newJob(t)
	sink := &fakeSink{}
	stats := &fakeStats{}
	p := New(
		&fakeExtractor{exErr: errors.New("no formats"), panicOnLink: true},
		&fakeValidator{valid: false},
		&fakeScraper{},
		&fakeBackend{t: t, direct: true},
		sink, stats,
	)

	p.Run(context.Background(), job)

	if sink.last().fields["playback_type"] != "server_download" {
		t.Fatalf("direct-link panic must fall through to server download, got %v", sink.last().fields)
	}
}

func TestRunPanicBecomesErrorStatus(t *testing.T) {
	job := newJob(t)
	sink := &fakeSink{}
	stats := &fakeStats{}
	p := New(
		&fakeExtractor{panicOnEx: true},
		&fakeValidator{valid: true},
		&fakeScraper{},
		&fakeBackend{t: t},
		sink, stats,
	)

	p.Run(context.Background(), job)

	last := sink.last()
	if last.state != status.StateError {
		t.Fatalf("final state = %q, want error", last.state)
	}
	if last.fields["error_id"] == nil || last.fields["error_id"] == "" {
		t.Error("error status must carry an error id")
	}
	if ts, _ := last.fields["timestamp"].(string); ts == "" {
		t.Error("error status must carry a timestamp")
	}
	if msg, _ := last.fields["message"].(string); msg == "" || msg == "extractor blew up" {
		t.Errorf("error message must be generic, got %q", msg)
	}
	if stats.outcomes[0] != OutcomeError {
		t.Errorf("outcomes = %v", stats.outcomes)
	}
	if dirExists(job.Dir) {
		t.Error("job dir should be removed on error")
	}
}

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.PanicLevel)
	os.Exit(m.Run())
}
