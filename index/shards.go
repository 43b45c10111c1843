package index

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Shards tracks the shard indexes a node currently holds open.
type Shards struct {
	indicesDir string

	mu   sync.RWMutex
	open map[string]*ShardIndex
}

// NewShards returns an empty container rooted at |indicesDir|.
func NewShards(indicesDir string) *Shards {
	return &Shards{
		indicesDir: indicesDir,
		open:       make(map[string]*ShardIndex),
	}
}

func shardKey(name, shardID string) string { return name + "/" + shardID }

// Adopt opens (or creates) the shard and registers it. Adopting an
// already-open shard is a no-op.
func (s *Shards) Adopt(meta *Metadata, shardID string) error {
	var key = shardKey(meta.Name, shardID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[key]; ok {
		return nil
	}

	var dir = ShardDir(s.indicesDir, meta.Name, shardID)
	var shard, err = OpenOrCreateShard(dir, meta, shardID)
	if err != nil {
		return fmt.Errorf("adopting shard %s: %w", key, err)
	}
	s.open[key] = shard
	return nil
}

// Release closes the shard and, when |remove| is set, deletes its
// directory. Releasing an unknown shard is a no-op.
func (s *Shards) Release(name, shardID string, remove bool) error {
	var key = shardKey(name, shardID)

	s.mu.Lock()
	var shard, ok = s.open[key]
	delete(s.open, key)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if remove {
		return shard.Delete()
	}
	return shard.Close()
}

// Get returns the open shard, or ErrShardNotHeld.
func (s *Shards) Get(name, shardID string) (*ShardIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var shard, ok = s.open[shardKey(name, shardID)]
	if !ok {
		return nil, fmt.Errorf("shard %s/%s: %w", name, shardID, ErrShardNotHeld)
	}
	return shard, nil
}

// Held returns the shard ids held for index |name|, ordered.
func (s *Shards) Held(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, shard := range s.open {
		if shard.IndexName() == name {
			out = append(out, shard.ShardID())
		}
	}
	sort.Strings(out)
	return out
}

// UpdateMetadata applies a modified definition to every held shard of
// the index.
func (s *Shards) UpdateMetadata(meta *Metadata) error {
	s.mu.RLock()
	var shards []*ShardIndex
	for _, shard := range s.open {
		if shard.IndexName() == meta.Name {
			shards = append(shards, shard)
		}
	}
	s.mu.RUnlock()

	for _, shard := range shards {
		if err := shard.UpdateMetadata(meta); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseIndex releases every held shard of index |name|.
func (s *Shards) ReleaseIndex(name string, remove bool) {
	for _, shardID := range s.Held(name) {
		if err := s.Release(name, shardID, remove); err != nil {
			log.WithFields(log.Fields{"index": name, "shard": shardID, "err": err}).
				Warn("releasing shard failed")
		}
	}
}

// CloseAll closes every held shard, retaining data on disk.
func (s *Shards) CloseAll() {
	s.mu.Lock()
	var shards = make([]*ShardIndex, 0, len(s.open))
	for _, shard := range s.open {
		shards = append(shards, shard)
	}
	s.open = make(map[string]*ShardIndex)
	s.mu.Unlock()

	for _, shard := range shards {
		if err := shard.Close(); err != nil {
			log.WithFields(log.Fields{
				"index": shard.IndexName(), "shard": shard.ShardID(), "err": err,
			}).Warn("closing shard failed")
		}
	}
}
