package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

type window struct {
	start    time.Time
	requests int64
	bytes    int64
}

type memShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryBackend counts in process memory, one slot per org.
type MemoryBackend struct {
	shards [16]*memShard
}

func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{}
	for i := range m.shards {
		m.shards[i] = &memShard{windows: make(map[string]*window)}
	}
	return m
}

func (m *MemoryBackend) shard(key string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *MemoryBackend) Take(_ context.Context, key string, plan Plan, weight int64, now time.Time) (Decision, error) {
	start := windowStart(now, plan.Window)
	reset := start.Add(plan.Window)

	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		sh.windows[key] = w
	}
	if w.requests+1 > plan.RequestsPerWindow {
		return Decision{Dimension: DimensionRequests, ResetAt: reset}, nil
	}
	if plan.BytesPerWindow > 0 && w.bytes+weight > plan.BytesPerWindow {
		return Decision{Dimension: DimensionBytes, ResetAt: reset}, nil
	}
	w.requests++
	w.bytes += weight
	return Decision{Allowed: true, ResetAt: reset}, nil
}
