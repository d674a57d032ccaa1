// Package strategy classifies source URLs into per-site acquisition profiles.
// Classification is pure: no network calls, no failure mode beyond a
// maximally-conservative default for unparseable input.
package strategy

import (
	"net/url"
	"path"
	"strings"
)

// TimeoutClass selects the socket timeout budget for backend calls.
type TimeoutClass string

const (
	TimeoutShort  TimeoutClass = "short"
	TimeoutNormal TimeoutClass = "normal"
	TimeoutLong   TimeoutClass = "long"
)

// Seconds returns the socket timeout for the class.
func (t TimeoutClass) Seconds() int {
	switch t {
	case TimeoutShort:
		return 15
	case TimeoutLong:
		return 60
	default:
		return 30
	}
}

// Profile is the per-URL decision record controlling downstream behavior.
// It is derived once per job and never mutated.
type Profile struct {
	DirectFile      bool
	NeedsGeneric    bool
	CORSConstraints bool
	NeedsStealth    bool
	ExtractorHint   string
	Timeout         TimeoutClass
}

// directFileExtensions short-circuit all extraction: the URL itself is the
// playable artifact.
var directFileExtensions = map[string]bool{
	".mp4": true, ".webm": true, ".m4v": true, ".avi": true, ".mov": true,
}

type siteRule struct {
	hosts   []string
	profile Profile
}

// siteRules maps known platforms to tuned profiles. First match wins; hosts
// match on suffix so subdomains are covered.
var siteRules = []siteRule{
	{
		hosts:   []string{"youtube.com", "youtu.be"},
		profile: Profile{ExtractorHint: "youtube", Timeout: TimeoutShort},
	},
	{
		hosts:   []string{"tiktok.com", "douyin.com"},
		profile: Profile{ExtractorHint: "tiktok", CORSConstraints: true, Timeout: TimeoutNormal},
	},
	{
		hosts:   []string{"instagram.com", "facebook.com", "fb.watch"},
		profile: Profile{ExtractorHint: "instagram", CORSConstraints: true, Timeout: TimeoutLong},
	},
	{
		hosts:   []string{"twitter.com", "x.com"},
		profile: Profile{ExtractorHint: "twitter", Timeout: TimeoutNormal},
	},
	{
		hosts:   []string{"vimeo.com"},
		profile: Profile{ExtractorHint: "vimeo", Timeout: TimeoutNormal},
	},
	{
		hosts:   []string{"dailymotion.com"},
		profile: Profile{ExtractorHint: "dailymotion", Timeout: TimeoutNormal},
	},
	{
		// Long-form indirect platforms that actively resist extraction.
		hosts: []string{"pornhub.com", "xhamster.com", "xvideos.com", "redtube.com"},
		profile: Profile{
			ExtractorHint:   "adult_site",
			CORSConstraints: true,
			NeedsStealth:    true,
			Timeout:         TimeoutLong,
		},
	},
}

// genericProfile is the conservative default for unknown or malformed URLs.
func genericProfile() Profile {
	return Profile{NeedsGeneric: true, Timeout: TimeoutLong}
}

// Classify derives the acquisition profile for rawURL.
func Classify(rawURL string) Profile {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return genericProfile()
	}

	if directFileExtensions[strings.ToLower(path.Ext(u.Path))] {
		return Profile{DirectFile: true, Timeout: TimeoutShort}
	}

	host := strings.ToLower(u.Hostname())
	for _, rule := range siteRules {
		for _, h := range rule.hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return rule.profile
			}
		}
	}

	return genericProfile()
}
