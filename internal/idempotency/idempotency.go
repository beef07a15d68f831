package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-turbo-trader/internal/telemetry"
)

// ErrInFlight is returned by Begin while another send for the same key is
// still pending within the TTL.
var ErrInFlight = errors.New("idempotency: send already in flight")

// Key derives the deterministic send key. The same inputs on either side of
// a process restart produce the same key as long as the salt is stable.
func Key(userID, walletID, mint string, amount uint64, slotBucket int64, salt string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{'|'})
	h.Write([]byte(walletID))
	h.Write([]byte{'|'})
	h.Write([]byte(mint))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(amount, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(slotBucket, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

// SlotBucket coarsens a timestamp so rapid duplicates collapse to one key.
func SlotBucket(now time.Time, bucketMs int64) int64 {
	if bucketMs <= 0 {
		bucketMs = 1000
	}
	return now.UnixMilli() / bucketMs
}

type record struct {
	Status    string `json:"status"`
	TxHash    string `json:"txHash,omitempty"`
	ExpiresAt int64  `json:"expiresAtMs"`
}

const (
	statusPending = "pending"
	statusSuccess = "success"
)

// Store is the two-tier idempotency gate: an in-memory check-and-set map
// plus a crash-safe JSON resume file with the same TTL. Successful sends are
// remembered so a duplicate returns the cached txHash instead of re-sending.
type Store struct {
	mu      sync.Mutex
	entries map[string]record
	path    string
	ttl     time.Duration
	metrics *telemetry.Metrics
}

// NewStore loads the resume file if one exists. Pending entries from a
// previous run are dropped: an interrupted send cannot be proven to have
// landed, so its key must not block a fresh attempt forever.
func NewStore(path string, ttl time.Duration, metrics *telemetry.Metrics) (*Store, error) {
	s := &Store{
		entries: make(map[string]record),
		path:    path,
		ttl:     ttl,
		metrics: metrics,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read resume file: %w", err)
	}

	metrics.Inc("resume_attempts_total")

	var loaded map[string]record
	if err := json.Unmarshal(data, &loaded); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Resume file corrupt, starting empty")
		return s, nil
	}

	now := time.Now().UnixMilli()
	restored := 0
	for k, r := range loaded {
		if r.Status != statusSuccess || r.ExpiresAt <= now {
			continue
		}
		s.entries[k] = r
		restored++
	}
	metrics.Add("resume_success_total", int64(restored))
	if restored > 0 {
		log.Info().Int("entries", restored).Msg("Idempotency records restored")
	}
	return s, nil
}

// Begin claims the key for a send. It returns the cached txHash when a
// previous send already succeeded within the TTL, ErrInFlight when one is
// pending, and ("", nil) when the caller may proceed.
func (s *Store) Begin(key string) (string, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.entries[key]; ok && r.ExpiresAt > now.UnixMilli() {
		switch r.Status {
		case statusSuccess:
			return r.TxHash, nil
		case statusPending:
			return "", ErrInFlight
		}
	}

	s.entries[key] = record{
		Status:    statusPending,
		ExpiresAt: now.Add(s.ttl).UnixMilli(),
	}
	s.persistLocked()
	return "", nil
}

// Complete marks the key as a success with its txHash.
func (s *Store) Complete(key, txHash string) {
	s.mu.Lock()
	s.entries[key] = record{
		Status:    statusSuccess,
		TxHash:    txHash,
		ExpiresAt: time.Now().Add(s.ttl).UnixMilli(),
	}
	s.persistLocked()
	s.mu.Unlock()
}

// Fail releases the key so a later attempt is not blocked.
func (s *Store) Fail(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.persistLocked()
	s.mu.Unlock()
}

// Close flushes the store to disk.
func (s *Store) Close() {
	s.mu.Lock()
	s.persistLocked()
	s.mu.Unlock()
}

// persistLocked writes the resume file atomically (temp file + rename).
// Expired entries are dropped on each write. Caller holds s.mu.
func (s *Store) persistLocked() {
	now := time.Now().UnixMilli()
	for k, r := range s.entries {
		if r.ExpiresAt <= now {
			delete(s.entries, k)
		}
	}

	data, err := json.Marshal(s.entries)
	if err != nil {
		log.Error().Err(err).Msg("Idempotency marshal failed")
		return
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("Idempotency dir create failed")
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Idempotency write failed")
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Idempotency rename failed")
	}
}
