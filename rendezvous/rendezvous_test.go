package rendezvous

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRankIsDeterministic(t *testing.T) {
	var nodes = []Node{{ID: "n1"}, {ID: "n2"}, {ID: "n3"}}
	var r = New(nil)

	var first = r.Rank([]byte("some-key"), nodes)
	for i := 0; i != 10; i++ {
		require.Equal(t, first, r.Rank([]byte("some-key"), nodes))
	}
}

func TestRankIsPermutationIndependent(t *testing.T) {
	var r = New(nil)
	var key = []byte("books/shard-7")

	var a = r.Rank(key, []Node{{ID: "n1"}, {ID: "n2"}, {ID: "n3"}})
	var b = r.Rank(key, []Node{{ID: "n3"}, {ID: "n1"}, {ID: "n2"}})
	require.Equal(t, a, b)
}

func TestRankNTruncates(t *testing.T) {
	var nodes = []Node{{ID: "n1"}, {ID: "n2"}, {ID: "n3"}}
	var r = New(nil)

	require.Len(t, r.RankN([]byte("k"), nodes, 2), 2)
	require.Len(t, r.RankN([]byte("k"), nodes, 5), 3)
	require.Len(t, r.RankN([]byte("k"), nodes, 0), 0)
}

func TestMinimumDisruption(t *testing.T) {
	// Adding a node reassigns roughly 1/(N+1) of keys, and never
	// changes the assignment of a key that the new node didn't win.
	var r = New(nil)
	var before = []Node{{ID: "n1"}, {ID: "n2"}, {ID: "n3"}}
	var after = append(append([]Node(nil), before...), Node{ID: "n4"})

	var moved, total = 0, 10000
	for i := 0; i != total; i++ {
		var key = []byte(fmt.Sprintf("key-%d", i))
		var was = r.Rank(key, before)[0]
		var now = r.Rank(key, after)[0]

		if was.ID != now.ID {
			require.Equal(t, "n4", now.ID)
			moved++
		}
	}

	// Expect moved/total ~ 1/4. Allow generous slack for hash variance.
	require.Greater(t, moved, total/8)
	require.Less(t, moved, total/2)
}

func TestCapacityWeighting(t *testing.T) {
	// A node with twice the capacity should win roughly twice the keys.
	var r = New(nil)
	var nodes = []Node{
		{ID: "small", Capacity: 1},
		{ID: "large", Capacity: 2},
	}

	var large, total = 0, 20000
	for i := 0; i != total; i++ {
		var key = []byte(fmt.Sprintf("doc-%d", i))
		if r.Rank(key, nodes)[0].ID == "large" {
			large++
		}
	}

	// Expected share is 2/3. Accept [0.58, 0.75].
	var share = float64(large) / float64(total)
	require.Greater(t, share, 0.58)
	require.Less(t, share, 0.75)
}

func TestPluggableHasher(t *testing.T) {
	// A constant hasher ranks purely by the ID tie-break.
	var r = New(HasherFunc(func(string, []byte) uint64 { return 42 }))
	var ranked = r.Rank([]byte("k"), []Node{{ID: "b"}, {ID: "a"}, {ID: "c"}})

	require.Equal(t, "a", ranked[0].ID)
	require.Equal(t, "b", ranked[1].ID)
	require.Equal(t, "c", ranked[2].ID)
}
