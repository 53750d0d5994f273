package replay

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type nonceKey struct {
	id    Identity
	nonce string
}

type shard struct {
	mu        sync.Mutex
	entries   map[nonceKey]time.Time
	purgeSize int
}

// MemoryStore keeps nonces in process memory, sharded by identity so devices
// never contend on one lock.
type MemoryStore struct {
	shards [shardCount]*shard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[nonceKey]time.Time), purgeSize: 1024}
	}
	return s
}

func (s *MemoryStore) shardFor(id Identity) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id.OrgID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id.DeviceID))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Reserve(_ context.Context, id Identity, nonce string, now, expiresAt time.Time) (bool, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	key := nonceKey{id: id, nonce: nonce}
	if exp, ok := sh.entries[key]; ok && exp.After(now) {
		return false, nil
	}
	sh.entries[key] = expiresAt

	// lazy purge keeps a shard bounded between scheduled sweeps
	if len(sh.entries) >= sh.purgeSize {
		sh.purgeLocked(now)
		if len(sh.entries)*2 > sh.purgeSize {
			sh.purgeSize = len(sh.entries) * 2
		}
	}
	return true, nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += sh.purgeLocked(now)
		sh.mu.Unlock()
	}
	return total, nil
}

// Len returns the number of records, expired or not.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (sh *shard) purgeLocked(now time.Time) int {
	removed := 0
	for k, exp := range sh.entries {
		if !exp.After(now) {
			delete(sh.entries, k)
			removed++
		}
	}
	return removed
}
