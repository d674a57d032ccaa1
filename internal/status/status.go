// Package status tracks per-job progress records for client polling.
package status

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is a job's lifecycle phase.
type State string

const (
	StateQueued      State = "queued"
	StateProcessing  State = "processing"
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
	StateError       State = "error"
)

// Terminal reports whether no further updates can follow.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Record is one job's current view. Fields carries the response payload
// accumulated across updates; later updates overlay earlier ones key by key.
type Record struct {
	State     State
	Fields    map[string]any
	UpdatedAt time.Time
}

// Store is an in-memory status map safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
	log     *logrus.Entry
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]*Record),
		now:     time.Now,
		log:     logrus.WithField("component", "status"),
	}
}

// Update merges fields into the job's record and moves it to state. An empty
// state keeps the previous one. Updates on unknown ids create the record, so
// a worker can report on a job the submit path has not finished registering.
func (s *Store) Update(id string, state State, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		rec = &Record{Fields: make(map[string]any)}
		s.records[id] = rec
	}
	if state != "" {
		rec.State = state
	}
	maps.Copy(rec.Fields, fields)
	rec.UpdatedAt = s.now()
}

// Get returns a deep-enough copy of the job's record.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	out := Record{State: rec.State, UpdatedAt: rec.UpdatedAt, Fields: make(map[string]any, len(rec.Fields))}
	maps.Copy(out.Fields, rec.Fields)
	return out, true
}

// Payload renders the record as a response body: the accumulated fields plus
// the current state under "status".
func (s *Store) Payload(id string) (map[string]any, bool) {
	rec, ok := s.Get(id)
	if !ok {
		return nil, false
	}
	rec.Fields["status"] = string(rec.State)
	return rec.Fields, true
}

// Remove drops the record if present.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// Active counts records not yet in a terminal state.
func (s *Store) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if !rec.State.Terminal() {
			n++
		}
	}
	return n
}

// StartCleanup evicts records older than maxAge every interval until ctx is
// done. onEvict runs outside the lock for each evicted id; the server uses it
// to remove the job's download directory once its retention window closes.
func (s *Store) StartCleanup(ctx context.Context, interval, maxAge time.Duration, onEvict func(id string)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range s.evictOlderThan(maxAge) {
					s.log.WithField("job_id", id).Debug("evicted expired status record")
					if onEvict != nil {
						onEvict(id)
					}
				}
			}
		}
	}()
}

func (s *Store) evictOlderThan(maxAge time.Duration) []string {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, rec := range s.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
