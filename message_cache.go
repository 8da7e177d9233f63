package main

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/paylane/custodian/pkg/rpc"
)

const (
	cleanupTargetFraction = 10
	minCleanupInterval    = 10
	maxCleanupInterval    = 1000
)

// MessageCache remembers signed requests for the length of the timestamp
// expiry window so a captured request cannot be replayed. Expired entries
// are dropped lazily on Add.
type MessageCache struct {
	mu             sync.RWMutex
	entries        map[string]int64 // hash -> expiry, Unix ms
	ttl            time.Duration
	cleanupCounter int
	cleanupEvery   int
}

func NewMessageCache(ttl time.Duration) *MessageCache {
	return &MessageCache{
		entries:      make(map[string]int64),
		ttl:          ttl,
		cleanupEvery: minCleanupInterval,
	}
}

// Add records hash. It returns false if hash was already present and has not
// expired, which makes check-and-insert atomic.
func (mc *MessageCache) Add(hash string) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now().UnixMilli()
	if expiry, ok := mc.entries[hash]; ok && now <= expiry {
		return false
	}
	mc.entries[hash] = time.Now().Add(mc.ttl).UnixMilli()

	mc.cleanupCounter++
	if mc.cleanupCounter >= mc.cleanupEvery {
		mc.cleanupExpiredLocked(now)
		mc.recalculateCleanupInterval()
		mc.cleanupCounter = 0
	}
	return true
}

func (mc *MessageCache) Exists(hash string) bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	expiry, ok := mc.entries[hash]
	return ok && time.Now().UnixMilli() <= expiry
}

// Remove lets a request that failed be retried right away.
func (mc *MessageCache) Remove(hash string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.entries, hash)
}

func (mc *MessageCache) cleanupExpiredLocked(now int64) {
	for hash, expiry := range mc.entries {
		if now > expiry {
			delete(mc.entries, hash)
		}
	}
}

func (mc *MessageCache) recalculateCleanupInterval() {
	interval := len(mc.entries) / cleanupTargetFraction
	switch {
	case interval < minCleanupInterval:
		mc.cleanupEvery = minCleanupInterval
	case interval > maxCleanupInterval:
		mc.cleanupEvery = maxCleanupInterval
	default:
		mc.cleanupEvery = interval
	}
}

// HashRequest identifies a request by the digest its signatures cover.
func HashRequest(req rpc.Request) (string, error) {
	hash, err := req.Req.Hash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// ValidateTimestamp accepts 13 digit Unix ms timestamps no older than expiry.
func ValidateTimestamp(ts uint64, expiry time.Duration) error {
	if ts < 1_000_000_000_000 || ts > 9_999_999_999_999 {
		return fmt.Errorf("invalid timestamp %d: must be 13-digit Unix ms", ts)
	}
	t := time.UnixMilli(int64(ts)).UTC()
	if time.Since(t) > expiry {
		return fmt.Errorf("timestamp expired: %s older than %s", t.Format(time.RFC3339Nano), expiry)
	}
	return nil
}
