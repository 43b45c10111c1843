package index

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{Fields: []Field{
		{Name: "title", Type: FieldTypeText, Store: true},
		{Name: "tags", Type: FieldTypeKeyword, Store: true},
		{Name: "price", Type: FieldTypeNumeric, Store: true},
		{Name: "published", Type: FieldTypeDatetime},
	}}
}

func TestNewMetadata(t *testing.T) {
	var meta, err = NewMetadata("books", testSchema(), nil, 2, 64<<20, 4, 2)
	require.NoError(t, err)

	require.Equal(t, "books", meta.Name)
	require.Len(t, meta.Shards, 4)
	require.NotZero(t, meta.Version)

	// Shard ids are distinct and stable.
	var seen = make(map[string]struct{})
	for _, shard := range meta.Shards {
		require.NotEmpty(t, shard.ID)
		_, dup := seen[shard.ID]
		require.False(t, dup)
		seen[shard.ID] = struct{}{}
	}
}

func TestMetadataValidate(t *testing.T) {
	var valid = func() *Metadata {
		var m, err = NewMetadata("books", testSchema(), nil, 2, 64<<20, 2, 1)
		require.NoError(t, err)
		return m
	}

	// Case: empty name.
	var m = valid()
	m.Name = ""
	require.ErrorContains(t, m.Validate(), "name is empty")

	// Case: path characters in name.
	m = valid()
	m.Name = "a/b"
	require.ErrorContains(t, m.Validate(), "path or space")

	// Case: shard slots disagree with num_shards.
	m = valid()
	m.NumShards = 3
	require.ErrorContains(t, m.Validate(), "shard slots")

	// Case: tiny writer heap.
	m = valid()
	m.WriterHeapBytes = 1
	require.ErrorContains(t, m.Validate(), "writer_heap_bytes")

	// Case: duplicate schema field.
	m = valid()
	m.Schema.Fields = append(m.Schema.Fields, Field{Name: "title", Type: FieldTypeText})
	require.ErrorContains(t, m.Validate(), "defined twice")

	// Case: reserved field name.
	m = valid()
	m.Schema.Fields = append(m.Schema.Fields, Field{Name: "_hidden", Type: FieldTypeText})
	require.ErrorContains(t, m.Validate(), "reserved")

	// Case: analyzer on a non-text field.
	m = valid()
	m.Schema.Fields = append(m.Schema.Fields, Field{Name: "n", Type: FieldTypeNumeric, Analyzer: "simple"})
	require.ErrorContains(t, m.Validate(), "analyzer applies only")

	// Case: unknown analyzer reference.
	m = valid()
	m.Schema.Fields = append(m.Schema.Fields, Field{Name: "t", Type: FieldTypeText, Analyzer: "nope"})
	require.ErrorContains(t, m.Validate(), "unknown analyzer")
}

func TestMetadataShardSlots(t *testing.T) {
	var meta, err = NewMetadata("books", testSchema(), nil, 2, 64<<20, 2, 1)
	require.NoError(t, err)
	var version = meta.Version

	// Case: append adds a tail slot and bumps version.
	var added = meta.AppendShard()
	require.Equal(t, 3, meta.NumShards)
	require.Equal(t, added.ID, meta.Shards[2].ID)
	require.Greater(t, meta.Version, version)

	// Case: remove drops exactly the tail slot.
	var removed, removeErr = meta.RemoveTailShard()
	require.NoError(t, removeErr)
	require.Equal(t, added.ID, removed.ID)
	require.Equal(t, 2, meta.NumShards)

	// Case: the last shard cannot be removed.
	_, removeErr = meta.RemoveTailShard()
	require.NoError(t, removeErr)
	_, removeErr = meta.RemoveTailShard()
	require.ErrorContains(t, removeErr, "single shard")
}

func TestMetadataEncodeDecode(t *testing.T) {
	var meta, err = NewMetadata("books", testSchema(), map[string]AnalyzerConfig{
		"my_en": {
			Tokenizer:    FilterSpec{Name: "standard"},
			TokenFilters: []FilterSpec{{Name: "lower_case"}, {Name: "stemming"}},
		},
	}, 2, 64<<20, 2, 1)
	require.NoError(t, err)

	var content []byte
	content, err = meta.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMetadata(content)
	require.NoError(t, err)
	require.Equal(t, meta.Name, decoded.Name)
	require.Equal(t, meta.Version, decoded.Version)
	require.Equal(t, meta.Shards, decoded.Shards)
	require.NoError(t, decoded.Validate())

	_, err = DecodeMetadata([]byte("{nope"))
	require.Error(t, err)
}

func TestParseDocument(t *testing.T) {
	var doc, err = ParseDocument([]byte(`{"_id":"1","title":"rust"}`))
	require.NoError(t, err)
	require.Equal(t, "1", doc.ID)
	require.Equal(t, "rust", doc.Fields["title"])

	// Case: missing _id.
	_, err = ParseDocument([]byte(`{"title":"rust"}`))
	require.ErrorContains(t, err, "_id")

	// Case: non-string _id.
	_, err = ParseDocument([]byte(`{"_id":7}`))
	require.ErrorContains(t, err, "non-empty string")

	// Case: malformed JSON.
	_, err = ParseDocument([]byte(`{`))
	require.Error(t, err)
}
