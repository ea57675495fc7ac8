package summary

import (
	"database/sql"
	"log"
	"strings"
	"sync"
	"time"
)

// Store persists the rolling digest per owner key. When a durable database
// is configured and healthy, saves upsert into it and mirror into the
// in-memory tier; otherwise only the in-memory tier is written. A circuit
// breaker stops hammering a failing database for a cooldown period.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB // nil when no durable store is configured
	brk      *breaker
	maxChars int
	mem      map[string]string
	now      func() time.Time
}

// NewStore creates a digest store. db may be nil for memory-only operation.
// Merged digests are capped at maxChars runes.
func NewStore(db *sql.DB, maxChars, breakerThreshold int, breakerCooldown time.Duration) *Store {
	return &Store{
		db:       db,
		brk:      newBreaker(breakerThreshold, breakerCooldown),
		maxChars: maxChars,
		mem:      make(map[string]string),
		now:      time.Now,
	}
}

// Load returns the current digest for an owner key, preferring the durable
// store and falling back to the in-memory tier. Absence yields "".
func (s *Store) Load(ownerKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil && s.brk.allow(s.now()) {
		var text string
		err := s.db.QueryRow(
			`SELECT summary FROM memories WHERE owner_key = ? ORDER BY importance DESC, updated_at DESC LIMIT 1`,
			ownerKey,
		).Scan(&text)
		switch {
		case err == nil:
			s.brk.recordSuccess()
			return text
		case err == sql.ErrNoRows:
			s.brk.recordSuccess()
			return s.mem[ownerKey]
		default:
			s.brk.recordFailure(s.now())
			log.Printf("[summary] durable load failed, using memory tier: %v", err)
		}
	}
	return s.mem[ownerKey]
}

// Save stores the digest for an owner key. The in-memory tier is always
// written; the return value reports whether the durable store took the
// write as well.
func (s *Store) Save(ownerKey, text string, importance float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem[ownerKey] = text

	if s.db == nil || !s.brk.allow(s.now()) {
		return false
	}
	if err := s.upsert(ownerKey, text, importance); err != nil {
		s.brk.recordFailure(s.now())
		log.Printf("[summary] durable save failed, memory tier only: %v", err)
		return false
	}
	s.brk.recordSuccess()
	return true
}

// upsert is a lookup-then-write; the two statements are intentionally not
// wrapped in a transaction, matching single-writer usage.
func (s *Store) upsert(ownerKey, text string, importance float64) error {
	var id int64
	err := s.db.QueryRow(
		`SELECT id FROM memories WHERE owner_key = ? ORDER BY importance DESC, updated_at DESC LIMIT 1`,
		ownerKey,
	).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(
			`INSERT INTO memories (owner_key, summary, importance, updated_at) VALUES (?, ?, ?, unixepoch())`,
			ownerKey, text, importance,
		)
		return err
	case err != nil:
		return err
	default:
		_, err = s.db.Exec(
			`UPDATE memories SET summary = ?, importance = ?, updated_at = unixepoch() WHERE id = ?`,
			text, importance, id,
		)
		return err
	}
}

// Merge appends a fresh digest to the existing one and caps the combined
// text at the store's limit, discarding the oldest (leading) portion first.
func (s *Store) Merge(existing, fresh string) string {
	combined := strings.TrimSpace(existing)
	fresh = strings.TrimSpace(fresh)
	if fresh != "" {
		if combined == "" {
			combined = fresh
		} else {
			combined = combined + "\n" + fresh
		}
	}
	if s.maxChars > 0 {
		runes := []rune(combined)
		if len(runes) > s.maxChars {
			combined = string(runes[len(runes)-s.maxChars:])
		}
	}
	return combined
}

// ClearMemory drops the in-memory digest for an owner key and reports
// whether one existed. The durable tier is left untouched.
func (s *Store) ClearMemory(ownerKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mem[ownerKey]
	delete(s.mem, ownerKey)
	return ok
}

// MemSize returns the number of in-memory digests.
func (s *Store) MemSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mem)
}

// Keys returns the owner keys present in the in-memory tier.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.mem))
	for k := range s.mem {
		keys = append(keys, k)
	}
	return keys
}

// DurableReachable reports whether the durable store is configured and
// currently responding.
func (s *Store) DurableReachable() bool {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return false
	}
	return db.Ping() == nil
}
