package scraper

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"vidbridge/internal/config"
	"vidbridge/internal/strategy"
)

func newTestScraper() *Scraper {
	return New(config.Default())
}

func TestScanManifestsAbsoluteAndRelative(t *testing.T) {
	base, _ := url.Parse("https://watch.example.com/show/1")
	corpus := `
		<script>var src = "https://cdn.example.net/hls/master.m3u8?tok=abc";</script>
		<div data-stream='/streams/low.m3u8'></div>
	`
	got := scanManifests(corpus, base)
	want := []string{
		"https://cdn.example.net/hls/master.m3u8?tok=abc",
		"https://watch.example.com/streams/low.m3u8",
	}
	if len(got) != len(want) {
		t.Fatalf("scanManifests returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScanManifestsUnescapesEntities(t *testing.T) {
	base, _ := url.Parse("https://watch.example.com/")
	corpus := `https://cdn.example.net/a.m3u8?a=1&amp;b=2`
	got := scanManifests(corpus, base)
	if len(got) != 1 || got[0] != "https://cdn.example.net/a.m3u8?a=1&b=2" {
		t.Fatalf("scanManifests = %v, want unescaped query", got)
	}
}

func TestAppendDecodedPayloads(t *testing.T) {
	hidden := "https://vod.cdn.example.net/secret/master.m3u8"
	encoded := base64.StdEncoding.EncodeToString([]byte(hidden))
	text := fmt.Sprintf(`<script>var u = atob("%s");</script>`, encoded)

	corpus := appendDecodedPayloads(text)
	if !strings.Contains(corpus, hidden) {
		t.Fatalf("decoded payload missing from corpus: %q", corpus)
	}

	base, _ := url.Parse("https://watch.example.com/")
	got := scanManifests(corpus, base)
	if len(got) != 1 || got[0] != hidden {
		t.Fatalf("scanManifests on decoded corpus = %v, want [%s]", got, hidden)
	}
}

func TestScoreAndDedupeOrdering(t *testing.T) {
	candidates := []string{
		"https://watch.example.com/local.m3u8",          // same host: 0
		"https://vod.cdn.other.net/vod-1/master.m3u8",   // foreign + cdn + vod path: 19
		"https://other.net/plain.m3u8",                  // foreign only: 10
		"https://vod.cdn.other.net/vod-1/master.m3u8",   // duplicate, dropped
	}
	got := scoreAndDedupe(candidates, "watch.example.com")
	want := []string{
		"https://vod.cdn.other.net/vod-1/master.m3u8",
		"https://other.net/plain.m3u8",
		"https://watch.example.com/local.m3u8",
	}
	if len(got) != len(want) {
		t.Fatalf("scoreAndDedupe = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rank %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScoreAndDedupeStableForTies(t *testing.T) {
	candidates := []string{
		"https://a.net/1.m3u8",
		"https://b.net/2.m3u8",
	}
	got := scoreAndDedupe(candidates, "watch.example.com")
	if got[0] != candidates[0] || got[1] != candidates[1] {
		t.Fatalf("tied candidates reordered: %v", got)
	}
}

func TestManifestCandidatesFollowsIframe(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><script>play("https://cdn.inner.net/deep.m3u8")</script></body></html>`)
	})
	mux.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><iframe src="%s/embed"></iframe></body></html>`, srv.URL)
	})

	got, err := newTestScraper().ManifestCandidates(context.Background(), srv.URL+"/watch", strategy.Profile{})
	if err != nil {
		t.Fatalf("ManifestCandidates: %v", err)
	}
	if len(got) != 1 || got[0] != "https://cdn.inner.net/deep.m3u8" {
		t.Fatalf("ManifestCandidates = %v, want iframe-discovered URL", got)
	}
}

func TestManifestCandidatesEmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>nothing here</body></html>`)
	}))
	defer srv.Close()

	got, err := newTestScraper().ManifestCandidates(context.Background(), srv.URL, strategy.Profile{})
	if err != nil {
		t.Fatalf("ManifestCandidates: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %v", got)
	}
}

func TestManifestCandidatesFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := newTestScraper().ManifestCandidates(context.Background(), srv.URL, strategy.Profile{}); err == nil {
		t.Fatal("expected error for 403 page")
	}
}
