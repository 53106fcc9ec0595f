// Package pinstore implements the Pending Pin Store (C7): a durable,
// file-backed record of content ids awaiting background pinning,
// guarded by a PID-stamped advisory lock file so multiple worker
// processes sharing a data directory never corrupt it. Pin content
// itself is never lost if pinning fails — failure here is recorded for
// the Lazy Pinner (C12) to retry, never propagated as a job failure.
package pinstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/livepeer/encoder-worker/config"
	"github.com/livepeer/encoder-worker/internal/job"
)

const defaultMaxAttempts = 10

// Store is the durable pending-pin record set.
type Store struct {
	path     string
	lockPath string

	mu      sync.Mutex
	records map[string]*job.PendingPin
}

// New loads (or initializes) the pending-pin store at path.
func New(path string) (*Store, error) {
	s := &Store{
		path:     path,
		lockPath: path + ".lock",
		records:  make(map[string]*job.PendingPin),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading pending pin store %q: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var records []job.PendingPin
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parsing pending pin store %q: %w", s.path, err)
	}
	for i := range records {
		r := records[i]
		s.records[r.CID] = &r
	}
	return nil
}

// persist writes the full record set back to disk under the advisory
// lock. Callers must already hold s.mu.
func (s *Store) persist() error {
	if err := acquireLock(s.lockPath); err != nil {
		return err
	}
	defer releaseLock(s.lockPath)

	records := make([]job.PendingPin, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, *r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AddedAt.Before(records[j].AddedAt) })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling pending pin store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating pending pin store dir: %w", err)
		}
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Add records a CID awaiting pinning. If the store is at capacity, the
// oldest record is evicted to make room, per spec.md §4.8's 1000-entry
// cap.
func (s *Store) Add(p job.PendingPin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.AddedAt.IsZero() {
		p.AddedAt = config.Clock.GetTime()
	}
	s.records[p.CID] = &p

	if len(s.records) > job.MaxPendingPins {
		s.evictOldestLocked()
	}
	return s.persist()
}

func (s *Store) evictOldestLocked() {
	var oldestCID string
	var oldestAt time.Time
	for cid, r := range s.records {
		if oldestCID == "" || r.AddedAt.Before(oldestAt) {
			oldestCID = cid
			oldestAt = r.AddedAt
		}
	}
	if oldestCID != "" {
		delete(s.records, oldestCID)
	}
}

// NextReady returns the oldest record eligible for a pin attempt, or
// (nil, false) if the store is empty.
func (s *Store) NextReady() (*job.PendingPin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *job.PendingPin
	for _, r := range s.records {
		if oldest == nil || r.AddedAt.Before(oldest.AddedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, false
	}
	copied := *oldest
	return &copied, true
}

// MarkSuccess removes a record after its CID pinned successfully.
func (s *Store) MarkSuccess(cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, cid)
	return s.persist()
}

// MarkFailed records a failed pin attempt, evicting the record if it
// has exhausted its attempt budget or aged past the one-week retention
// window.
func (s *Store) MarkFailed(cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[cid]
	if !ok {
		return nil
	}
	r.Attempts++
	r.LastAttempt = config.Clock.GetTime()

	if r.Attempts >= defaultMaxAttempts || config.Clock.GetTime().Sub(r.AddedAt) > job.PendingPinRetention {
		delete(s.records, cid)
	}
	return s.persist()
}

// Cleanup evicts every record past its retention window regardless of
// attempt count, returning how many were removed.
func (s *Store) Cleanup() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := config.Clock.GetTime()
	removed := 0
	for cid, r := range s.records {
		if now.Sub(r.AddedAt) > job.PendingPinRetention {
			delete(s.records, cid)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persist()
}

// Stats reports the store's current size.
type Stats struct {
	Total int
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Total: len(s.records)}
}
