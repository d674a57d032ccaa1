// Package server exposes the acquisition pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"vidbridge/internal/config"
	"vidbridge/internal/downloader"
	"vidbridge/internal/pipeline"
	"vidbridge/internal/status"
	"vidbridge/internal/util"
)

// jobIDRe matches uuid-shaped ids. Anything else never reaches the
// filesystem layer.
var jobIDRe = regexp.MustCompile(`^[0-9a-fA-F-]{8,64}$`)

// Server wires HTTP handlers to the pipeline, status store, and history.
type Server struct {
	cfg     config.Config
	pipe    *pipeline.Pipeline
	store   *status.Store
	history *HistoryDB
	pool    *Pool

	limiterMu sync.Mutex
	limiters  map[string]*ipLimiter

	startedAt time.Time
	log       *logrus.Entry
}

func New(cfg config.Config, pipe *pipeline.Pipeline, store *status.Store, history *HistoryDB, pool *Pool) *Server {
	return &Server{
		cfg:       cfg,
		pipe:      pipe,
		store:     store,
		history:   history,
		pool:      pool,
		limiters:  make(map[string]*ipLimiter),
		startedAt: time.Now(),
		log:       logrus.WithField("component", "server"),
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.POST("/download", s.rateLimit(), s.handleSubmit)
	r.GET("/status/:id", s.handleStatus)
	r.GET("/files/:id", s.handleFile)
	r.GET("/health", s.handleHealth)
	r.GET("/history", s.handleHistory)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully. The status
// cleanup loop runs for the same lifetime and removes expired job
// directories alongside their records.
func (s *Server) Run(ctx context.Context) error {
	s.store.StartCleanup(ctx, s.cfg.StatusCleanupInterval.Std(), s.cfg.StatusMaxAge.Std(), func(id string) {
		dir, err := util.SafePathJoin(s.cfg.DownloadRoot, id)
		if err != nil {
			return
		}
		_ = os.RemoveAll(dir)
	})
	go s.limiterSweepLoop(ctx)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.ListenAddr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.pool.Wait()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// submitRequest accepts both field spellings clients use.
type submitRequest struct {
	URL      string `json:"url"`
	VideoURL string `json:"video_url"`
}

func (r submitRequest) value() string {
	if r.URL != "" {
		return r.URL
	}
	return r.VideoURL
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.value() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be JSON with a url field"})
		return
	}

	parsed, err := url.Parse(strings.TrimSpace(req.value()))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url must be absolute http or https"})
		return
	}
	pageURL := parsed.String()

	jobID := uuid.NewString()
	dir, err := util.SafePathJoin(s.cfg.DownloadRoot, jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not allocate job directory"})
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.WithError(err).Error("creating job directory failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not allocate job directory"})
		return
	}

	s.store.Update(jobID, status.StateQueued, map[string]any{
		"progress":     0,
		"original_url": pageURL,
	})
	s.history.RecordStart(jobID, pageURL)

	job := pipeline.Job{ID: jobID, URL: pageURL, Dir: dir}
	if !s.pool.Submit(func(ctx context.Context) { s.pipe.Run(ctx, job) }) {
		s.store.Remove(jobID)
		_ = os.RemoveAll(dir)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy, try again later"})
		return
	}

	s.log.WithFields(logrus.Fields{"job_id": jobID, "url": pageURL}).Info("job accepted")
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     jobID,
		"status_url": "/status/" + jobID,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	id := c.Param("id")
	if !jobIDRe.MatchString(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	payload, ok := s.store.Payload(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job id"})
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleFile(c *gin.Context) {
	id := c.Param("id")
	if !jobIDRe.MatchString(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	dir, err := util.SafePathJoin(s.cfg.DownloadRoot, id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	path, err := downloader.LocateArtifact(dir)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no file for this job"})
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

func (s *Server) handleHealth(c *gin.Context) {
	if !util.IPAllowed(s.clientIP(c), s.cfg.AllowedHealthIPs) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	stats, err := s.history.Stats()
	if err != nil {
		s.log.WithError(err).Error("history stats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        s.cfg.Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"active_jobs":    s.store.Active(),
		"stats":          stats,
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	if !util.IPAllowed(s.clientIP(c), s.cfg.AllowedHealthIPs) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	records, total, err := s.history.Recent(limit, offset)
	if err != nil {
		s.log.WithError(err).Error("history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "records": records})
}

func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// rateLimit enforces the per-IP submission budget.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := s.clientIP(c)
		if !s.limiterFor(ip).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// ipLimiter pairs a limiter with its last use so idle entries can be swept.
type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const (
	limiterSweepInterval = 10 * time.Minute
	limiterMaxIdle       = 30 * time.Minute
)

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	ent, ok := s.limiters[ip]
	if !ok {
		ent = &ipLimiter{lim: rate.NewLimiter(rate.Limit(s.cfg.SubmitPerMinute)/60, s.cfg.SubmitBurst)}
		s.limiters[ip] = ent
	}
	ent.lastSeen = time.Now()
	return ent.lim
}

// sweepLimiters drops limiters idle longer than maxIdle. Without this a scan
// of spoofed client-IP headers would grow the map without bound.
func (s *Server) sweepLimiters(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	removed := 0
	for ip, ent := range s.limiters {
		if ent.lastSeen.Before(cutoff) {
			delete(s.limiters, ip)
			removed++
		}
	}
	return removed
}

func (s *Server) limiterSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweepLimiters(limiterMaxIdle); n > 0 {
				s.log.WithField("evicted", n).Debug("swept idle rate limiters")
			}
		}
	}
}

// clientIP prefers proxy-provided headers so per-IP limits apply to the real
// client, not the edge.
func (s *Server) clientIP(c *gin.Context) string {
	if ip := c.GetHeader("CF-Connecting-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return c.ClientIP()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Round(time.Millisecond),
		}).Info("request")
	}
}
