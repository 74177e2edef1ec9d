package tools

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is the complete output of one executed command. It is never
// modified after Put.
type Record struct {
	ID       string
	Stdout   []string
	Stderr   []string
	ExitCode int
	Created  time.Time
}

type storedRecord struct {
	rec        *Record
	lastAccess time.Time
}

// RecordStore keeps command records addressable by id.
type RecordStore struct {
	mu      sync.Mutex
	records map[string]*storedRecord
	now     func() time.Time
}

// NewRecordStore creates an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string]*storedRecord),
		now:     time.Now,
	}
}

// Put stores rec under rec.ID.
func (s *RecordStore) Put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if rec.Created.IsZero() {
		rec.Created = now
	}
	s.records[rec.ID] = &storedRecord{rec: rec, lastAccess: now}
}

// Get returns the record for id and refreshes its access time.
func (s *RecordStore) Get(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.records[id]
	if !ok {
		return nil, false
	}
	sr.lastAccess = s.now()
	return sr.rec, true
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Sweep removes records not accessed within ttl and returns how many were
// removed.
func (s *RecordStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-ttl)
	removed := 0
	for id, sr := range s.records {
		if sr.lastAccess.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

// StartReaper sweeps the store every interval until ctx is done.
func (s *RecordStore) StartReaper(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(ttl); n > 0 {
					slog.Debug("evicted command records", "count", n, "remaining", s.Len())
				}
			}
		}
	}()
}
