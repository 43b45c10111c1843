// Package placement derives the shard-to-node assignment from the
// current member set and index definitions. Placement is a pure
// function: two nodes with identical inputs compute identical output.
package placement

import (
	"sort"

	"github.com/perchsearch/perch/cluster"
	"github.com/perchsearch/perch/index"
	"github.com/perchsearch/perch/rendezvous"
)

// ShardKey addresses one shard of one index.
type ShardKey struct {
	Index string
	Shard string
}

// rendezvousKey forms the hashing key of a shard.
func (k ShardKey) rendezvousKey() []byte {
	return []byte(k.Index + "/" + k.Shard)
}

// Placement maps each shard to its ordered replica set. The first
// member is the primary; the rest are replicas.
type Placement map[ShardKey][]cluster.Member

// Place computes the assignment of every shard of |indices| across
// |members|. Each shard receives min(num_replicas, |members|) members,
// ranked by rendezvous hashing of "index/shard".
func Place(members []cluster.Member, indices []*index.Metadata) Placement {
	var nodes = make([]rendezvous.Node, 0, len(members))
	var byAddr = make(map[string]cluster.Member, len(members))
	for _, m := range members {
		nodes = append(nodes, rendezvous.Node{ID: m.Addr})
		byAddr[m.Addr] = m
	}

	var ranker = rendezvous.New(nil)
	var out = make(Placement)

	for _, meta := range indices {
		var k = meta.NumReplicas
		if k > len(members) {
			k = len(members)
		}
		for _, shard := range meta.Shards {
			var key = ShardKey{Index: meta.Name, Shard: shard.ID}
			var ranked = ranker.RankN(key.rendezvousKey(), nodes, k)

			var replicas = make([]cluster.Member, 0, len(ranked))
			for _, n := range ranked {
				replicas = append(replicas, byAddr[n.ID])
			}
			out[key] = replicas
		}
	}
	return out
}

// Replicas returns the ordered replica set of a shard.
func (p Placement) Replicas(indexName, shardID string) []cluster.Member {
	return p[ShardKey{Index: indexName, Shard: shardID}]
}

// Primary returns the primary member of a shard.
func (p Placement) Primary(indexName, shardID string) (cluster.Member, bool) {
	var replicas = p.Replicas(indexName, shardID)
	if len(replicas) == 0 {
		return cluster.Member{}, false
	}
	return replicas[0], true
}

// Holds reports whether |addr| is in the replica set of |key|.
func (p Placement) Holds(key ShardKey, addr string) bool {
	for _, m := range p[key] {
		if m.Addr == addr {
			return true
		}
	}
	return false
}

// ChangeKind distinguishes shard assignment transitions of one node.
type ChangeKind int

const (
	// Adopt means the node newly holds a replica of the shard.
	Adopt ChangeKind = iota
	// Release means the node no longer holds a replica of the shard.
	Release
)

func (k ChangeKind) String() string {
	if k == Adopt {
		return "adopt"
	}
	return "release"
}

// Change is one shard transition for a particular node.
type Change struct {
	Kind ChangeKind
	Key  ShardKey
}

// Diff compares two placement snapshots from the perspective of node
// |addr| and returns its Adopt and Release transitions, ordered by
// (index, shard) for determinism. A nil |before| adopts everything
// currently assigned.
func Diff(before, after Placement, addr string) []Change {
	var out []Change

	for key := range after {
		if after.Holds(key, addr) && !before.Holds(key, addr) {
			out = append(out, Change{Kind: Adopt, Key: key})
		}
	}
	for key := range before {
		if before.Holds(key, addr) && !after.Holds(key, addr) {
			out = append(out, Change{Kind: Release, Key: key})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Index != out[j].Key.Index {
			return out[i].Key.Index < out[j].Key.Index
		}
		if out[i].Key.Shard != out[j].Key.Shard {
			return out[i].Key.Shard < out[j].Key.Shard
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
