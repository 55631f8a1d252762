package gateway

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

// registryShardCount is the number of shards for the connection
// registry. Must be a power of 2.
const registryShardCount = 32

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// Registry is the process-local map from connection id to record.
//
// Sharded so connect/disconnect storms on different connections don't
// contend on one lock; the global size is an atomic so capacity checks
// stay lock-free. The surface is a plain get/set/delete/iterate store,
// so a distributed backing could replace it without touching gateway
// logic.
type Registry struct {
	shards   [registryShardCount]*registryShard
	hashSeed maphash.Seed
	maxSize  int64
	size     atomic.Int64
}

// NewRegistry creates a sharded registry with the given capacity.
// maxSize <= 0 means unbounded.
func NewRegistry(maxSize int) *Registry {
	r := &Registry{
		maxSize:  int64(maxSize),
		hashSeed: maphash.MakeSeed(),
	}

	const minShardCapacity = 16
	shardCapacity := maxSize / registryShardCount
	if shardCapacity < minShardCapacity {
		shardCapacity = minShardCapacity
	}

	for i := 0; i < registryShardCount; i++ {
		r.shards[i] = &registryShard{
			conns: make(map[string]*Conn, shardCapacity),
		}
	}
	return r
}

func (r *Registry) shard(key string) *registryShard {
	h := maphash.String(r.hashSeed, key)
	return r.shards[h&(registryShardCount-1)]
}

// Add inserts a connection record. Returns ErrServerFull at capacity.
// An existing record with the same id is never replaced.
func (r *Registry) Add(conn *Conn) error {
	if r.maxSize > 0 && r.size.Load() >= r.maxSize {
		return ErrServerFull
	}

	shard := r.shard(conn.id)
	shard.mu.Lock()
	if _, exists := shard.conns[conn.id]; !exists {
		shard.conns[conn.id] = conn
		r.size.Add(1)
	}
	shard.mu.Unlock()
	return nil
}

// Get retrieves a connection record by id.
func (r *Registry) Get(id string) (*Conn, bool) {
	shard := r.shard(id)
	shard.mu.RLock()
	conn, exists := shard.conns[id]
	shard.mu.RUnlock()
	return conn, exists
}

// Remove deletes a connection record. No-op if absent.
func (r *Registry) Remove(id string) {
	shard := r.shard(id)
	shard.mu.Lock()
	if _, exists := shard.conns[id]; exists {
		delete(shard.conns, id)
		r.size.Add(-1)
	}
	shard.mu.Unlock()
}

// Size returns the current number of records.
func (r *Registry) Size() int {
	return int(r.size.Load())
}

// ForEach calls fn for every record. Per-shard snapshots are taken so fn
// runs without any shard lock held; fn may disconnect connections.
func (r *Registry) ForEach(fn func(*Conn)) {
	var all []*Conn
	for i := 0; i < registryShardCount; i++ {
		shard := r.shards[i]
		shard.mu.RLock()
		for _, conn := range shard.conns {
			all = append(all, conn)
		}
		shard.mu.RUnlock()
	}
	for _, conn := range all {
		fn(conn)
	}
}
