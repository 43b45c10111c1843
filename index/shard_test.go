package index

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perchsearch/perch/search"
)

func openTestShard(t *testing.T) *ShardIndex {
	t.Helper()
	var meta, err = NewMetadata("books", testSchema(), nil, 2, 1<<30, 1, 1)
	require.NoError(t, err)

	shard, err := CreateShard(t.TempDir(), meta, meta.Shards[0].ID)
	require.NoError(t, err)
	t.Cleanup(func() { shard.Close() })
	return shard
}

func termSearch(field, term string) search.Request {
	return search.Request{
		Query: search.QuerySpec{
			Kind:    search.KindTerm,
			Options: json.RawMessage(fmt.Sprintf(`{"field":%q,"term":%q}`, field, term)),
		},
		Limit: 10,
		Count: true,
	}
}

func TestShardPutCommitSearch(t *testing.T) {
	var shard = openTestShard(t)

	require.NoError(t, shard.PutDocuments([][]byte{
		[]byte(`{"_id":"1","title":"rust in action","price":42.5}`),
		[]byte(`{"_id":"2","title":"learning go","price":30}`),
	}))

	// Uncommitted writes are invisible.
	var result, err = shard.Search(context.Background(), termSearch("title", "rust"))
	require.NoError(t, err)
	require.Empty(t, result.Hits)

	require.NoError(t, shard.Commit())

	result, err = shard.Search(context.Background(), termSearch("title", "rust"))
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	require.Equal(t, "1", result.Hits[0].ID)
	require.Greater(t, result.Hits[0].Score, 0.0)
	require.Equal(t, uint64(1), result.Count)
	require.Equal(t, "rust in action", result.Hits[0].Fields["title"])
}

func TestShardUpdateOverwritesByID(t *testing.T) {
	var shard = openTestShard(t)

	require.NoError(t, shard.PutDocuments([][]byte{[]byte(`{"_id":"1","title":"first"}`)}))
	require.NoError(t, shard.Commit())
	require.NoError(t, shard.PutDocuments([][]byte{[]byte(`{"_id":"1","title":"second"}`)}))
	require.NoError(t, shard.Commit())

	var result, err = shard.Search(context.Background(), termSearch("title", "second"))
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)

	result, err = shard.Search(context.Background(), termSearch("title", "first"))
	require.NoError(t, err)
	require.Empty(t, result.Hits)
}

func TestShardDeleteDocuments(t *testing.T) {
	var shard = openTestShard(t)

	require.NoError(t, shard.PutDocuments([][]byte{
		[]byte(`{"_id":"1","title":"keep"}`),
		[]byte(`{"_id":"2","title":"drop"}`),
	}))
	require.NoError(t, shard.Commit())

	require.NoError(t, shard.DeleteDocuments([]string{"2"}))
	require.NoError(t, shard.Commit())

	var result, err = shard.Search(context.Background(), termSearch("title", "drop"))
	require.NoError(t, err)
	require.Empty(t, result.Hits)

	result, err = shard.Search(context.Background(), termSearch("title", "keep"))
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
}

func TestShardRollback(t *testing.T) {
	var shard = openTestShard(t)

	require.NoError(t, shard.PutDocuments([][]byte{[]byte(`{"_id":"1","title":"ghost"}`)}))
	require.NoError(t, shard.Rollback())
	require.NoError(t, shard.Commit())

	var result, err = shard.Search(context.Background(), termSearch("title", "ghost"))
	require.NoError(t, err)
	require.Empty(t, result.Hits)
}

func TestShardRejectsUnknownField(t *testing.T) {
	var shard = openTestShard(t)
	var err = shard.PutDocuments([][]byte{[]byte(`{"_id":"1","bogus":"x"}`)})
	require.ErrorContains(t, err, "not in the schema")
}

func TestShardOpenCreateSemantics(t *testing.T) {
	var meta, err = NewMetadata("books", testSchema(), nil, 1, 1<<30, 1, 1)
	require.NoError(t, err)
	var shardID = meta.Shards[0].ID
	var dir = filepath.Join(t.TempDir(), "s")

	// Case: opening a missing index fails.
	_, err = OpenShard(dir, meta, shardID)
	require.ErrorIs(t, err, ErrIndexNotFound)

	// Case: create, close, re-open.
	shard, err := CreateShard(dir, meta, shardID)
	require.NoError(t, err)
	require.NoError(t, shard.PutDocuments([][]byte{[]byte(`{"_id":"1","title":"persisted"}`)}))
	require.NoError(t, shard.Commit())
	require.NoError(t, shard.Close())

	// Case: creating into a non-empty directory fails.
	_, err = CreateShard(dir, meta, shardID)
	require.ErrorIs(t, err, ErrIndexExists)

	reopened, err := OpenShard(dir, meta, shardID)
	require.NoError(t, err)
	defer reopened.Close()

	var result, searchErr = reopened.Search(context.Background(), termSearch("title", "persisted"))
	require.NoError(t, searchErr)
	require.Len(t, result.Hits, 1)

	// Case: operations after close fail.
	require.ErrorIs(t, shard.Commit(), ErrShardClosed)
}

func TestShardUpdateMetadata(t *testing.T) {
	var shard = openTestShard(t)

	// Case: additive schema change is accepted.
	var next, err = NewMetadata("books", Schema{Fields: append(testSchema().Fields,
		Field{Name: "subtitle", Type: FieldTypeText})}, nil, 2, 1<<30, 1, 1)
	require.NoError(t, err)
	require.NoError(t, shard.UpdateMetadata(next))

	// Case: removing a field is rejected.
	next, err = NewMetadata("books", Schema{Fields: testSchema().Fields[1:]}, nil, 2, 1<<30, 1, 1)
	require.NoError(t, err)
	require.ErrorContains(t, shard.UpdateMetadata(next), "removes field")

	// Case: changing a field type is rejected.
	var fields = append([]Field(nil), testSchema().Fields...)
	fields[0].Type = FieldTypeKeyword
	fields[0].Analyzer = ""
	next, err = NewMetadata("books", Schema{Fields: fields}, nil, 2, 1<<30, 1, 1)
	require.NoError(t, err)
	require.ErrorContains(t, shard.UpdateMetadata(next), "alters field")
}

func TestShardsContainer(t *testing.T) {
	var dataDir = t.TempDir()
	var shards = NewShards(dataDir)

	var meta, err = NewMetadata("books", testSchema(), nil, 1, 1<<30, 2, 1)
	require.NoError(t, err)

	require.NoError(t, shards.Adopt(meta, meta.Shards[0].ID))
	require.NoError(t, shards.Adopt(meta, meta.Shards[1].ID))
	// Adopting twice is a no-op.
	require.NoError(t, shards.Adopt(meta, meta.Shards[0].ID))

	require.ElementsMatch(t,
		[]string{meta.Shards[0].ID, meta.Shards[1].ID}, shards.Held("books"))

	var shard *ShardIndex
	shard, err = shards.Get("books", meta.Shards[0].ID)
	require.NoError(t, err)
	require.NotNil(t, shard)

	_, err = shards.Get("books", "nope")
	require.ErrorIs(t, err, ErrShardNotHeld)

	require.NoError(t, shards.Release("books", meta.Shards[0].ID, true))
	_, err = shards.Get("books", meta.Shards[0].ID)
	require.ErrorIs(t, err, ErrShardNotHeld)

	shards.CloseAll()
	require.Empty(t, shards.Held("books"))
}
