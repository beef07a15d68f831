package session

import (
	"errors"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotArmed = errors.New("session: wallet not armed")
	ErrExpired  = errors.New("session: session expired")
)

// MinTTL is the shortest session lifetime accepted by Arm and Extend.
const MinTTL = time.Minute

const defaultSweepInterval = 5 * time.Second

// Cache holds armed wallet DEKs in memguard enclaves so the key material is
// encrypted at rest in process memory. Callers never receive the DEK itself,
// only a scoped view through WithDEK.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	sweepInterval time.Duration
	onExpire      func(userID, walletID string)
	onArmed       func(userID, walletID string)

	done chan struct{}
	once sync.Once
}

type entry struct {
	lock      sync.Mutex
	enclave   *memguard.Enclave
	createdAt time.Time
	expiresAt time.Time
}

func key(userID, walletID string) string {
	return userID + ":" + walletID
}

// NewCache starts the expiry sweeper immediately. A non-positive
// sweepInterval falls back to five seconds. onExpire is invoked off the
// cache lock whenever the sweeper evicts a session; either callback may be
// nil.
func NewCache(sweepInterval time.Duration, onArmed, onExpire func(userID, walletID string)) *Cache {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	c := &Cache{
		entries:       make(map[string]*entry),
		sweepInterval: sweepInterval,
		onArmed:       onArmed,
		onExpire:      onExpire,
		done:          make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Arm inserts or overwrites the session for (userID, walletID). The dek
// buffer is consumed: memguard wipes it as the enclave is sealed.
func (c *Cache) Arm(userID, walletID string, dek []byte, ttl time.Duration) error {
	if ttl < MinTTL {
		return errors.New("session: ttl below one minute")
	}

	enclave := memguard.NewEnclave(dek)
	now := time.Now()

	c.mu.Lock()
	c.entries[key(userID, walletID)] = &entry{
		enclave:   enclave,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	c.mu.Unlock()

	log.Info().
		Str("user", userID).
		Str("wallet", walletID).
		Dur("ttl", ttl).
		Msg("Wallet armed")

	if c.onArmed != nil {
		c.onArmed(userID, walletID)
	}
	return nil
}

// Extend pushes the expiry of an existing non-expired session. It never
// re-arms: a missing or expired session returns false.
func (c *Cache) Extend(userID, walletID string, ttl time.Duration) bool {
	if ttl < MinTTL {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key(userID, walletID)]
	if !ok || time.Now().After(e.expiresAt) {
		return false
	}
	e.expiresAt = time.Now().Add(ttl)
	return true
}

// Disarm removes the session and releases its enclave.
func (c *Cache) Disarm(userID, walletID string) {
	c.mu.Lock()
	e, ok := c.entries[key(userID, walletID)]
	if ok {
		delete(c.entries, key(userID, walletID))
	}
	c.mu.Unlock()

	if ok {
		e.enclave = nil
		log.Info().Str("user", userID).Str("wallet", walletID).Msg("Wallet disarmed")
	}
}

// DisarmAll clears every session. Called at shutdown so no DEK survives the
// process.
func (c *Cache) DisarmAll() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	if n > 0 {
		log.Info().Int("sessions", n).Msg("All wallet sessions disarmed")
	}
}

// Status reports whether the wallet is armed and how long remains. msLeft is
// clamped to zero.
func (c *Cache) Status(userID, walletID string) (armed bool, msLeft int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key(userID, walletID)]
	if !ok {
		return false, 0
	}
	left := time.Until(e.expiresAt).Milliseconds()
	if left <= 0 {
		return false, 0
	}
	return true, left
}

// WithDEK opens the sealed DEK and passes a plaintext view to fn. The view
// is destroyed when fn returns, so fn must not retain it. Calls for the same
// wallet serialize on the entry's lock; slow work inside fn never holds the
// cache-wide mutex.
func (c *Cache) WithDEK(userID, walletID string, fn func(dek []byte) error) error {
	c.mu.Lock()
	e, ok := c.entries[key(userID, walletID)]
	c.mu.Unlock()

	if !ok {
		return ErrNotArmed
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	if time.Now().After(e.expiresAt) {
		return ErrExpired
	}

	buf, err := e.enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()

	return fn(buf.Bytes())
}

// Close stops the sweeper and drops all sessions.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
	c.DisarmAll()
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			var expired []string

			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
					expired = append(expired, k)
				}
			}
			c.mu.Unlock()

			for _, k := range expired {
				userID, walletID := splitKey(k)
				log.Info().Str("user", userID).Str("wallet", walletID).Msg("Session expired")
				if c.onExpire != nil {
					c.onExpire(userID, walletID)
				}
			}
		}
	}
}

func splitKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
