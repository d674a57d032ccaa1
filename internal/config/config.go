// Package config loads the immutable service configuration from an optional
// yaml file with environment variable overrides. The loaded Config is passed
// by value into every component; nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration parses yaml values in time.ParseDuration syntax ("90s", "2m");
// bare numbers are taken as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds every tunable the pipeline and server consume.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	DownloadRoot string `yaml:"download_root"`
	HistoryDB    string `yaml:"history_db"`

	// MaxWorkers bounds concurrent acquisitions; it is the primary
	// backpressure mechanism.
	MaxWorkers int `yaml:"max_workers"`

	// MaxFileSizeMB caps validated direct links and server downloads.
	MaxFileSizeMB int64 `yaml:"max_file_size_mb"`

	// MaxHeight caps the resolution of selected formats. The 1080 default is
	// a bandwidth guard, not a platform limit.
	MaxHeight int `yaml:"max_height"`

	StatusMaxAge          Duration `yaml:"status_max_age"`
	StatusCleanupInterval Duration `yaml:"status_cleanup_interval"`

	AllowedHealthIPs []string `yaml:"allowed_health_ips"`

	// SubmitPerMinute and SubmitBurst bound per-IP download submissions.
	SubmitPerMinute int `yaml:"submit_per_minute"`
	SubmitBurst     int `yaml:"submit_burst"`

	// YtdlpPath is the extraction/download backend binary.
	YtdlpPath string `yaml:"ytdlp_path"`

	// BrowserFetch enables the headless-browser page fetcher for stealth
	// profiles. Requires a local Chromium.
	BrowserFetch bool `yaml:"browser_fetch"`

	Version string `yaml:"-"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		ListenAddr:            "127.0.0.1:8080",
		DownloadRoot:          "downloads",
		HistoryDB:             "history.db",
		MaxWorkers:            3,
		MaxFileSizeMB:         40000,
		MaxHeight:             1080,
		StatusMaxAge:          Duration(2 * time.Minute),
		StatusCleanupInterval: Duration(time.Minute),
		AllowedHealthIPs:      []string{"127.0.0.1"},
		SubmitPerMinute:       20,
		SubmitBurst:           5,
		YtdlpPath:             "yt-dlp",
	}
}

// MaxFileSize returns the file size cap in bytes.
func (c Config) MaxFileSize() int64 {
	return c.MaxFileSizeMB * 1024 * 1024
}

// Load reads path (ignored when empty or missing), applies .env and
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	// .env is optional; real environment variables win over it either way.
	_ = godotenv.Load()
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DOWNLOAD_FOLDER"); v != "" {
		cfg.DownloadRoot = v
	}
	if v := os.Getenv("HISTORY_DB"); v != "" {
		cfg.HistoryDB = v
	}
	if v, ok := envInt("MAX_WORKERS"); ok {
		cfg.MaxWorkers = v
	}
	if v, ok := envInt("MAX_FILE_SIZE_MB"); ok {
		cfg.MaxFileSizeMB = int64(v)
	}
	if v, ok := envInt("MAX_HEIGHT"); ok {
		cfg.MaxHeight = v
	}
	if v, ok := envInt("STATUS_MAX_AGE"); ok {
		cfg.StatusMaxAge = Duration(time.Duration(v) * time.Second)
	}
	if v, ok := envInt("STATUS_CLEANUP_INTERVAL"); ok {
		cfg.StatusCleanupInterval = Duration(time.Duration(v) * time.Second)
	}
	if v := os.Getenv("ALLOWED_HEALTH_IPS"); v != "" {
		parts := strings.Split(v, ",")
		ips := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				ips = append(ips, p)
			}
		}
		cfg.AllowedHealthIPs = ips
	}
	if v, ok := envInt("SUBMIT_PER_MINUTE"); ok {
		cfg.SubmitPerMinute = v
	}
	if v, ok := envInt("SUBMIT_BURST"); ok {
		cfg.SubmitBurst = v
	}
	if v := os.Getenv("YTDLP_PATH"); v != "" {
		cfg.YtdlpPath = v
	}
	if v := os.Getenv("BROWSER_FETCH"); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			cfg.BrowserFetch = true
		default:
			cfg.BrowserFetch = false
		}
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c Config) validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.MaxFileSizeMB < 1 {
		return fmt.Errorf("max_file_size_mb must be positive, got %d", c.MaxFileSizeMB)
	}
	if c.MaxHeight < 1 {
		return fmt.Errorf("max_height must be positive, got %d", c.MaxHeight)
	}
	if c.DownloadRoot == "" {
		return fmt.Errorf("download_root must not be empty")
	}
	return nil
}
