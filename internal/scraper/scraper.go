// Package scraper is the last-resort extraction path: fetch the raw page,
// peel simple obfuscation, and hunt for embedded manifest URLs.
package scraper

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"vidbridge/internal/config"
	"vidbridge/internal/strategy"
)

const maxPageBytes = 10 * 1024 * 1024

var (
	absManifestRe = regexp.MustCompile(`(?i)https?://[^\s'">]+?\.m3u8(?:\?[^\s'">]+)?`)
	relManifestRe = regexp.MustCompile(`(?i)["']([^"']+?\.m3u8(?:\?[^"']+)?)["']`)
	atobRe        = regexp.MustCompile(`(?i)atob\(["']([A-Za-z0-9+/=]{20,})["']\)`)
)

// pageFetcher fetches page HTML; the browser-backed variant is plugged in
// for stealth profiles.
type pageFetcher interface {
	FetchHTML(ctx context.Context, pageURL string) (string, error)
}

// Scraper finds manifest candidates in raw page HTML.
type Scraper struct {
	client  *http.Client
	stealth pageFetcher // nil unless browser fetching is enabled
	log     *logrus.Entry
}

// New builds a Scraper. With cfg.BrowserFetch set, stealth profiles are
// fetched through a headless browser instead of a plain GET.
func New(cfg config.Config) *Scraper {
	s := &Scraper{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		log: logrus.WithField("component", "scraper"),
	}
	if cfg.BrowserFetch {
		s.stealth = newBrowserFetcher()
	}
	return s
}

// ManifestCandidates fetches pageURL, decodes base64-wrapped payloads,
// scans for manifest URLs, follows one iframe level, and returns deduped
// candidates ordered best-first. An empty result means this path is
// exhausted.
func (s *Scraper) ManifestCandidates(ctx context.Context, pageURL string, prof strategy.Profile) ([]string, error) {
	text, err := s.fetchPage(ctx, pageURL, prof)
	if err != nil {
		return nil, fmt.Errorf("fetching page: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parsing page URL: %w", err)
	}

	corpus := appendDecodedPayloads(text)
	candidates := scanManifests(corpus, base)

	// One level of iframe indirection, no deeper.
	if iframeSrc := firstIframeSrc(text, base); iframeSrc != "" {
		s.log.WithField("iframe", iframeSrc).Debug("following iframe embed")
		if inner, err := s.fetchHTML(ctx, iframeSrc); err == nil {
			innerBase, perr := url.Parse(iframeSrc)
			if perr == nil {
				innerCorpus := appendDecodedPayloads(inner)
				candidates = append(candidates, scanManifests(innerCorpus, innerBase)...)
			}
		} else {
			s.log.WithError(err).Debug("iframe fetch failed")
		}
	}

	return scoreAndDedupe(candidates, base.Hostname()), nil
}

func (s *Scraper) fetchPage(ctx context.Context, pageURL string, prof strategy.Profile) (string, error) {
	if prof.NeedsStealth && s.stealth != nil {
		text, err := s.stealth.FetchHTML(ctx, pageURL)
		if err == nil {
			return text, nil
		}
		s.log.WithError(err).Warn("browser fetch failed, falling back to plain GET")
	}
	return s.fetchHTML(ctx, pageURL)
}

func (s *Scraper) fetchHTML(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html,*/*;q=0.1")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// appendDecodedPayloads decodes every atob("...") base64 argument found in
// the text and appends the plaintext, widening the search corpus. Sites hide
// manifest URLs behind exactly this pattern often enough to justify it.
func appendDecodedPayloads(text string) string {
	var sb strings.Builder
	sb.WriteString(text)
	for _, m := range atobRe.FindAllStringSubmatch(text, -1) {
		if dec, err := base64.StdEncoding.DecodeString(padBase64(m[1])); err == nil {
			sb.WriteByte('\n')
			sb.Write(dec)
		}
	}
	return sb.String()
}

func padBase64(s string) string {
	if n := len(s) % 4; n != 0 {
		s += strings.Repeat("=", 4-n)
	}
	return s
}

// scanManifests collects absolute manifest URLs and quoted relative ones
// resolved against base.
func scanManifests(corpus string, base *url.URL) []string {
	var out []string
	for _, u := range absManifestRe.FindAllString(corpus, -1) {
		out = append(out, html.UnescapeString(u))
	}
	for _, m := range relManifestRe.FindAllStringSubmatch(corpus, -1) {
		cand := html.UnescapeString(m[1])
		if strings.HasPrefix(cand, "http") {
			continue // already captured by the absolute scan
		}
		if ref, err := url.Parse(cand); err == nil {
			out = append(out, base.ResolveReference(ref).String())
		}
	}
	return out
}

// firstIframeSrc returns the resolved src of the first iframe in the page.
func firstIframeSrc(text string, base *url.URL) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return ""
	}
	src, ok := doc.Find("iframe[src]").First().Attr("src")
	if !ok || src == "" {
		return ""
	}
	ref, err := url.Parse(html.UnescapeString(src))
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// scoreAndDedupe orders candidates best-first. Hosts other than the page's
// own score highest (CDN indicator), then CDN/VOD naming conventions, then
// VOD path fragments.
func scoreAndDedupe(candidates []string, pageHost string) []string {
	type scored struct {
		url   string
		score int
	}
	seen := make(map[string]bool)
	var ranked []scored
	for _, c := range candidates {
		if u, err := url.QueryUnescape(c); err == nil {
			c = u
		}
		if seen[c] {
			continue
		}
		seen[c] = true

		host := ""
		if u, err := url.Parse(c); err == nil {
			host = strings.ToLower(u.Hostname())
		}
		score := 0
		if host != "" && host != strings.ToLower(pageHost) {
			score += 10
		}
		if strings.Contains(host, "vod.") || strings.Contains(host, "cdn") {
			score += 6
		}
		if strings.Contains(c, "/vod-") || strings.Contains(c, "/vod_") {
			score += 3
		}
		ranked = append(ranked, scored{url: c, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.url)
	}
	return out
}
