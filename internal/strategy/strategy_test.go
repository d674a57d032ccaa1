package strategy

import "testing"

func TestClassifyDirectFile(t *testing.T) {
	urls := []string{
		"https://cdn.example.com/clip.mp4",
		"https://cdn.example.com/a/b/video.WEBM",
		"http://files.example.com/movie.m4v?token=abc",
		"https://host.example.com/old.avi",
		"https://host.example.com/old.mov",
	}
	for _, u := range urls {
		p := Classify(u)
		if !p.DirectFile {
			t.Errorf("Classify(%q).DirectFile = false, want true", u)
		}
		if p.NeedsGeneric || p.NeedsStealth {
			t.Errorf("Classify(%q) set extraction flags on a direct file", u)
		}
	}
}

func TestClassifyKnownPlatforms(t *testing.T) {
	tests := []struct {
		url  string
		hint string
		p    func(Profile) bool
	}{
		{"https://www.youtube.com/watch?v=abc", "youtube", func(p Profile) bool { return p.Timeout == TimeoutShort }},
		{"https://youtu.be/abc", "youtube", func(p Profile) bool { return !p.CORSConstraints }},
		{"https://www.tiktok.com/@user/video/1", "tiktok", func(p Profile) bool { return p.CORSConstraints }},
		{"https://vm.tiktok.com/xyz", "tiktok", func(p Profile) bool { return p.CORSConstraints }},
		{"https://www.instagram.com/reel/abc/", "instagram", func(p Profile) bool { return p.Timeout == TimeoutLong && p.CORSConstraints }},
		{"https://fb.watch/abc", "instagram", func(p Profile) bool { return p.CORSConstraints }},
		{"https://x.com/user/status/1", "twitter", func(p Profile) bool { return !p.NeedsStealth }},
		{"https://vimeo.com/12345", "vimeo", func(p Profile) bool { return p.Timeout == TimeoutNormal }},
		{"https://www.dailymotion.com/video/x1", "dailymotion", func(p Profile) bool { return !p.NeedsGeneric }},
		{"https://www.pornhub.com/view_video.php?viewkey=1", "adult_site", func(p Profile) bool {
			return p.NeedsStealth && p.CORSConstraints && p.Timeout == TimeoutLong
		}},
	}
	for _, tt := range tests {
		p := Classify(tt.url)
		if p.ExtractorHint != tt.hint {
			t.Errorf("Classify(%q).ExtractorHint = %q, want %q", tt.url, p.ExtractorHint, tt.hint)
		}
		if !tt.p(p) {
			t.Errorf("Classify(%q) profile constraint failed: %+v", tt.url, p)
		}
	}
}

func TestClassifyUnknownAndMalformed(t *testing.T) {
	for _, u := range []string{
		"https://obscure-video-site.example/watch/99",
		"not a url at all",
		"://missing-scheme",
		"",
	} {
		p := Classify(u)
		if !p.NeedsGeneric {
			t.Errorf("Classify(%q).NeedsGeneric = false, want true", u)
		}
		if p.Timeout != TimeoutLong {
			t.Errorf("Classify(%q).Timeout = %q, want long", u, p.Timeout)
		}
	}
}

func TestTimeoutSeconds(t *testing.T) {
	if TimeoutShort.Seconds() != 15 || TimeoutNormal.Seconds() != 30 || TimeoutLong.Seconds() != 60 {
		t.Errorf("timeout seconds = %d/%d/%d, want 15/30/60",
			TimeoutShort.Seconds(), TimeoutNormal.Seconds(), TimeoutLong.Seconds())
	}
}
