package placement

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perchsearch/perch/cluster"
	"github.com/perchsearch/perch/index"
)

func testMembers(addrs ...string) []cluster.Member {
	var out []cluster.Member
	for _, addr := range addrs {
		out = append(out, cluster.Member{Addr: addr, Version: 1})
	}
	return out
}

func testMetadata(t *testing.T, name string, shards, replicas int) *index.Metadata {
	t.Helper()
	var meta, err = index.NewMetadata(name,
		index.Schema{Fields: []index.Field{
			{Name: "title", Type: index.FieldTypeText},
		}},
		nil, 1, 1<<20, shards, replicas)
	require.NoError(t, err)
	return meta
}

func TestPlaceIsPure(t *testing.T) {
	var members = testMembers("a:1", "b:1", "c:1")
	var indices = []*index.Metadata{
		testMetadata(t, "books", 4, 2),
		testMetadata(t, "movies", 2, 3),
	}

	var first = Place(members, indices)

	// Identical inputs in permuted order yield an identical placement.
	var permutedMembers = testMembers("c:1", "a:1", "b:1")
	var permutedIndices = []*index.Metadata{indices[1], indices[0]}
	require.Equal(t, first, Place(permutedMembers, permutedIndices))
}

func TestPlaceReplicaCounts(t *testing.T) {
	var meta = testMetadata(t, "books", 3, 2)

	// Case: enough members for the requested replica count.
	var p = Place(testMembers("a:1", "b:1", "c:1"), []*index.Metadata{meta})
	require.Len(t, p, 3)
	for _, shard := range meta.Shards {
		var replicas = p.Replicas("books", shard.ID)
		require.Len(t, replicas, 2)
		require.NotEqual(t, replicas[0].Addr, replicas[1].Addr)
	}

	// Case: degraded, fewer members than replicas requested.
	p = Place(testMembers("a:1"), []*index.Metadata{meta})
	for _, shard := range meta.Shards {
		require.Len(t, p.Replicas("books", shard.ID), 1)
	}

	// Case: no members yields empty replica sets.
	p = Place(nil, []*index.Metadata{meta})
	for _, shard := range meta.Shards {
		require.Empty(t, p.Replicas("books", shard.ID))
		_, ok := p.Primary("books", shard.ID)
		require.False(t, ok)
	}
}

func TestPrimaryIsStableUnderUnrelatedChurn(t *testing.T) {
	// Adding a member must not reassign a shard between two members
	// which both remain: only moves onto the new member are allowed.
	var meta = testMetadata(t, "books", 16, 1)
	var before = Place(testMembers("a:1", "b:1", "c:1"), []*index.Metadata{meta})
	var after = Place(testMembers("a:1", "b:1", "c:1", "d:1"), []*index.Metadata{meta})

	for key, beforeSet := range before {
		var afterSet = after[key]
		if beforeSet[0].Addr != afterSet[0].Addr {
			require.Equal(t, "d:1", afterSet[0].Addr)
		}
	}
}

func TestDiff(t *testing.T) {
	var meta = testMetadata(t, "books", 8, 2)
	var indices = []*index.Metadata{meta}

	var before = Place(testMembers("a:1", "b:1", "c:1"), indices)
	var after = Place(testMembers("a:1", "b:1"), indices)

	// Losing member c:1 never releases shards from a:1's perspective
	// unless a:1 itself stopped holding them, which cannot happen when
	// the member set shrinks.
	for _, change := range Diff(before, after, "a:1") {
		require.Equal(t, Adopt, change.Kind)
		require.True(t, after.Holds(change.Key, "a:1"))
		require.False(t, before.Holds(change.Key, "a:1"))
	}

	// From c:1's perspective everything it held is released.
	var releases int
	for _, change := range Diff(before, after, "c:1") {
		require.Equal(t, Release, change.Kind)
		releases++
	}
	var held int
	for key := range before {
		if before.Holds(key, "c:1") {
			held++
		}
	}
	require.Equal(t, held, releases)

	// Case: nil before adopts everything currently held.
	var adopts = Diff(nil, after, "a:1")
	var holding int
	for key := range after {
		if after.Holds(key, "a:1") {
			holding++
		}
	}
	require.Len(t, adopts, holding)
}
