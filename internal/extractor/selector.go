package extractor

import (
	"sort"
	"strings"

	"vidbridge/internal/media"
)

// Select filters raw formats down to browser-playable candidates and orders
// them by tier ascending, then height descending. Adaptive manifests are
// rejected in every tier. Returns nil when no candidate qualifies.
//
// Tier 1: muxed mp4. Tier 2: muxed mp4/webm. Tier 3: any plain http(s) file
// in mp4/webm/mkv, codecs unverified.
func Select(formats []media.Format, maxHeight int) []media.Format {
	tiers := [][]media.Format{
		pick(formats, maxHeight, func(f media.Format) bool {
			return f.Ext == "mp4" && media.HasCodec(f.VideoCodec) && media.HasCodec(f.AudioCodec)
		}),
		pick(formats, maxHeight, func(f media.Format) bool {
			return (f.Ext == "mp4" || f.Ext == "webm") &&
				media.HasCodec(f.VideoCodec) && media.HasCodec(f.AudioCodec)
		}),
		pick(formats, maxHeight, func(f media.Format) bool {
			return strings.HasPrefix(f.URL, "http") &&
				(f.Ext == "mp4" || f.Ext == "webm" || f.Ext == "mkv")
		}),
	}

	for tier, candidates := range tiers {
		if len(candidates) == 0 {
			continue
		}
		for i := range candidates {
			candidates[i].Tier = tier + 1
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Height > candidates[j].Height
		})
		return candidates
	}
	return nil
}

func pick(formats []media.Format, maxHeight int, match func(media.Format) bool) []media.Format {
	var out []media.Format
	for _, f := range formats {
		if f.URL == "" || f.Height <= 0 || f.Height > maxHeight {
			continue
		}
		if media.IsManifestURL(f.URL) || media.IsManifestProtocol(f.Protocol) {
			continue
		}
		if match(f) {
			out = append(out, f)
		}
	}
	return out
}
