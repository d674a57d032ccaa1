// Package media defines the data model shared by the extraction pipeline:
// candidate formats, extraction results, and manifest detection.
package media

import "strings"

// Tier ranks how directly a format can be played in a browser.
const (
	TierMuxedMP4 = 1 // mp4 with both tracks
	TierMuxedWeb = 2 // mp4/webm with both tracks
	TierRawHTTP  = 3 // plain http(s) file, codecs unverified
)

// Format is one candidate media rendition.
type Format struct {
	URL        string `json:"url"`
	FormatID   string `json:"format_id"`
	Height     int    `json:"quality"`
	Ext        string `json:"ext"`
	VideoCodec string `json:"vcodec,omitempty"`
	AudioCodec string `json:"acodec,omitempty"`
	Filesize   int64  `json:"filesize,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
	Tier       int    `json:"priority"`
}

// Extraction is the normalized result of one successful metadata extraction.
// Formats is ordered by tier ascending, then height descending; Best is its
// first element.
type Extraction struct {
	Title       string   `json:"title"`
	Thumbnail   string   `json:"thumbnail,omitempty"`
	Duration    float64  `json:"duration,omitempty"`
	Uploader    string   `json:"uploader,omitempty"`
	Description string   `json:"description,omitempty"`
	ViewCount   int64    `json:"view_count,omitempty"`
	UploadDate  string   `json:"upload_date,omitempty"`
	Formats     []Format `json:"streaming_urls"`
	Best        Format   `json:"-"`
}

// BestURL returns the URL of the best candidate, or "" when none exists.
func (e *Extraction) BestURL() string {
	if e == nil {
		return ""
	}
	return e.Best.URL
}

// DirectLink is a resolved, validated-later direct download URL.
type DirectLink struct {
	URL       string
	Title     string
	Ext       string
	Thumbnail string
	Duration  float64
	Uploader  string
	Source    string
}

// Probe is the minimal metadata fetched without downloading, used for
// best-effort enrichment of terminal statuses.
type Probe struct {
	Title     string
	Thumbnail string
	Duration  float64
	Uploader  string
}

// manifestMarkers appear in adaptive-streaming URLs. A format whose URL or
// protocol matches is never directly playable.
var manifestMarkers = []string{"m3u8", "dash", ".mpd"}

var manifestProtocols = map[string]bool{
	"m3u8":        true,
	"m3u8_native": true,
	"hls":         true,
}

// IsManifestURL reports whether u points at an adaptive-streaming manifest.
func IsManifestURL(u string) bool {
	lower := strings.ToLower(u)
	for _, m := range manifestMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsManifestProtocol reports whether p is a segmented-streaming protocol.
func IsManifestProtocol(p string) bool {
	return manifestProtocols[strings.ToLower(p)]
}

// HasCodec reports whether a yt-dlp codec field names a real codec.
func HasCodec(c string) bool {
	return c != "" && c != "none"
}
