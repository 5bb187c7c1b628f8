package coap

import (
	"encoding/hex"
	"sync"
	"time"
)

// DefaultTokenMaxSize is the default maximum token length, in bytes.
const DefaultTokenMaxSize = 8

// DefaultEmptySafekeepingTime is how long the empty token is quarantined
// after release before it can be re-acquired.
const DefaultEmptySafekeepingTime = 48000 * time.Millisecond

// TokenManager allocates and releases opaque request tokens. Tokens are
// generated in a deterministic little-endian counter sequence starting at
// the single byte 0, wrapping at maxSize bytes, skipping any token
// currently in use. The empty token is special-cased: once released it is
// quarantined for emptySafekeepingTime before it can be acquired again,
// mirroring servers that deduplicate by (endpoint, token) shortly after a
// subscription ends.
type TokenManager struct {
	mu                   sync.Mutex
	maxSize              int
	emptySafekeepingTime time.Duration
	now                  func() time.Time

	inUse           map[string]bool
	next            []byte
	emptyReleasedAt time.Time
	emptyQuarantined bool
}

// NewTokenManager builds a TokenManager with the given maximum token size
// (bytes) and empty-token safekeeping delay. A zero or negative maxSize or
// duration selects the package defaults.
func NewTokenManager(maxSize int, emptySafekeepingTime time.Duration) *TokenManager {
	if maxSize <= 0 {
		maxSize = DefaultTokenMaxSize
	}
	if emptySafekeepingTime <= 0 {
		emptySafekeepingTime = DefaultEmptySafekeepingTime
	}
	return &TokenManager{
		maxSize:              maxSize,
		emptySafekeepingTime: emptySafekeepingTime,
		now:                  time.Now,
		inUse:                make(map[string]bool),
		next:                 []byte{0},
	}
}

func tokenKey(t []byte) string { return hex.EncodeToString(t) }

// Acquire returns a token not currently in use (and not the quarantined
// empty token), marking it in-use.
func (tm *TokenManager) Acquire() []byte {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for {
		candidate := append([]byte(nil), tm.next...)
		tm.advance()

		key := tokenKey(candidate)
		if tm.inUse[key] {
			continue
		}
		tm.inUse[key] = true
		return candidate
	}
}

// AcquireEmpty acquires the zero-length token. It may be held at most
// once at a time; after release it is quarantined for
// emptySafekeepingTime before it can be acquired again. Returns false if
// the empty token is currently in use or still quarantined.
func (tm *TokenManager) AcquireEmpty() ([]byte, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	const emptyKey = ""
	if tm.inUse[emptyKey] {
		return nil, false
	}
	if tm.emptyQuarantined && tm.now().Sub(tm.emptyReleasedAt) < tm.emptySafekeepingTime {
		return nil, false
	}
	tm.emptyQuarantined = false
	tm.inUse[emptyKey] = true
	return []byte{}, true
}

// Release returns t to the pool. If t is the empty token, its release
// time is recorded and it enters quarantine.
func (tm *TokenManager) Release(t []byte) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	key := tokenKey(t)
	delete(tm.inUse, key)
	if len(t) == 0 {
		tm.emptyReleasedAt = tm.now()
		tm.emptyQuarantined = true
	}
}

// advance increments tm.next as a little-endian counter, growing and then
// wrapping back to a single zero byte once maxSize bytes is exceeded.
// Must be called with tm.mu held.
func (tm *TokenManager) advance() {
	for i := range tm.next {
		if tm.next[i] != 0xff {
			tm.next[i]++
			return
		}
		tm.next[i] = 0
	}
	// Overflowed every byte currently held.
	if len(tm.next) < tm.maxSize {
		tm.next = append(tm.next, 1)
		return
	}
	// Wrapped past maxSize bytes: restart the counter.
	tm.next = []byte{0}
}

// InUseCount reports how many tokens (including the empty token, if held)
// are currently acquired. Exposed for tests and metrics.
func (tm *TokenManager) InUseCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.inUse)
}
