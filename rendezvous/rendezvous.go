// Package rendezvous implements highest-random-weight (HRW) hashing:
// a deterministic, minimum-disruption mapping of keys onto a set of
// candidate nodes. Adding a node moves only the keys which now prefer
// it; removing a node moves only the keys it owned.
package rendezvous

import (
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Hasher produces the hash code for a (node, key) combination.
// Implementations must be deterministic: equal inputs yield equal codes.
type Hasher interface {
	Hash(nodeID string, key []byte) uint64
}

// HasherFunc adapts a function to the Hasher interface.
type HasherFunc func(nodeID string, key []byte) uint64

func (f HasherFunc) Hash(nodeID string, key []byte) uint64 { return f(nodeID, key) }

// DefaultHasher keys an xxhash digest from both the node identifier
// and the key bytes, with a separator so that ("ab","c") and ("a","bc")
// cannot collide structurally.
var DefaultHasher Hasher = HasherFunc(func(nodeID string, key []byte) uint64 {
	var d = xxhash.New()
	_, _ = d.WriteString(nodeID)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(key)
	return d.Sum64()
})

// Node is a rendezvous candidate. Capacity weights selection
// probability: a node with twice the capacity of another is selected
// for twice as many keys in expectation. Capacity must be positive;
// a zero Capacity is treated as 1.
type Node struct {
	ID       string
	Capacity float64
}

func (n Node) capacity() float64 {
	if n.Capacity > 0 {
		return n.Capacity
	}
	return 1
}

// score computes the weighted hash score of |key| on node |n| using the
// logarithmic method: ln(h / MaxUint64) / capacity. The result is a
// non-positive value where LARGER (closer to zero) is better, which
// preserves selection probability proportional to capacity.
func score(h Hasher, n Node, key []byte) float64 {
	var code = h.Hash(n.ID, key)

	// Map the hash onto (0, 1]. Zero would yield ln(0) = -Inf, which
	// still orders correctly but breaks the capacity weighting, so we
	// nudge it to the smallest representable fraction.
	var unit = float64(code) / float64(math.MaxUint64)
	if unit == 0 {
		unit = math.SmallestNonzeroFloat64
	}
	return math.Log(unit) / n.capacity()
}

// Ranker ranks candidate nodes for keys. The zero value is not usable;
// construct with New.
type Ranker struct {
	hasher Hasher
}

// New returns a Ranker using |hasher|, or DefaultHasher if nil.
func New(hasher Hasher) *Ranker {
	if hasher == nil {
		hasher = DefaultHasher
	}
	return &Ranker{hasher: hasher}
}

// Rank orders |nodes| by descending preference for |key|.
// The input slice is not modified. Ties (identical scores) break on
// node ID so the ordering is total and permutation-independent.
func (r *Ranker) Rank(key []byte, nodes []Node) []Node {
	var ranked = append([]Node(nil), nodes...)

	var scores = make(map[string]float64, len(ranked))
	for _, n := range ranked {
		scores[n.ID] = score(r.hasher, n, key)
	}

	sort.Slice(ranked, func(i, j int) bool {
		var si, sj = scores[ranked[i].ID], scores[ranked[j].ID]
		if si != sj {
			return si > sj
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

// RankN returns the top |n| nodes of Rank, or all of them if fewer.
func (r *Ranker) RankN(key []byte, nodes []Node, n int) []Node {
	var ranked = r.Rank(key, nodes)
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
