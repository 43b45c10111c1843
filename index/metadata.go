// Package index owns per-index metadata and the per-shard lifecycle of
// the embedded full-text engine: opening, writing, committing, and
// searching on-disk shard indexes.
package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DocIDField is the stored field holding the document identifier.
	DocIDField = "_id"
	// DocTimestampField is stamped on every document at put time.
	DocTimestampField = "_timestamp"

	// IndicesDir is the directory under the data dir holding one
	// subdirectory per index.
	IndicesDir = "indices"
	// MetadataFile is the per-index metadata file name.
	MetadataFile = "meta.json"
	// ShardsDir holds one subdirectory per shard within an index dir.
	ShardsDir = "shards"
)

// FieldType enumerates the supported schema field types.
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypeKeyword  FieldType = "keyword"
	FieldTypeNumeric  FieldType = "numeric"
	FieldTypeDatetime FieldType = "datetime"
)

// Field defines one schema field.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
	// Analyzer names a registered analyzer for text fields. Empty
	// selects the standard analyzer.
	Analyzer string `json:"analyzer,omitempty"`
	// Store retains the field value for retrieval in search hits.
	Store bool `json:"store,omitempty"`
}

// Schema is the ordered set of index fields.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldByName returns the named field definition.
func (s Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks field names and types.
func (s Schema) Validate() error {
	var seen = make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema field with empty name")
		}
		if strings.HasPrefix(f.Name, "_") {
			return fmt.Errorf("schema field %q: names beginning with underscore are reserved", f.Name)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("schema field %q is defined twice", f.Name)
		}
		seen[f.Name] = struct{}{}

		switch f.Type {
		case FieldTypeText, FieldTypeKeyword, FieldTypeNumeric, FieldTypeDatetime:
		default:
			return fmt.Errorf("schema field %q: unknown type %q", f.Name, f.Type)
		}
		if f.Analyzer != "" && f.Type != FieldTypeText {
			return fmt.Errorf("schema field %q: analyzer applies only to text fields", f.Name)
		}
	}
	return nil
}

// Shard is one slot of an index. Its id is opaque and stable for the
// shard's entire life; version records creation time.
type Shard struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// NewShard mints a Shard with a fresh opaque id.
func NewShard() Shard {
	return Shard{
		ID:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		Version: time.Now().Unix(),
	}
}

// Metadata is the full definition of one index, persisted as meta.json
// under <data_dir>/indices/<name>/ and broadcast between nodes.
type Metadata struct {
	Name            string                    `json:"name"`
	Schema          Schema                    `json:"schema"`
	Analyzers       map[string]AnalyzerConfig `json:"analyzers,omitempty"`
	WriterThreads   int                       `json:"writer_threads"`
	WriterHeapBytes int64                     `json:"writer_heap_bytes"`
	NumShards       int                       `json:"num_shards"`
	NumReplicas     int                       `json:"num_replicas"`
	Shards          []Shard                   `json:"shards"`
	Version         int64                     `json:"version"`
}

// NewMetadata builds Metadata for a new index, minting |numShards|
// shard slots and stamping the current version.
func NewMetadata(name string, schema Schema, analyzers map[string]AnalyzerConfig,
	writerThreads int, writerHeapBytes int64, numShards, numReplicas int) (*Metadata, error) {

	var meta = &Metadata{
		Name:            name,
		Schema:          schema,
		Analyzers:       analyzers,
		WriterThreads:   writerThreads,
		WriterHeapBytes: writerHeapBytes,
		NumShards:       numShards,
		NumReplicas:     numReplicas,
		Version:         time.Now().Unix(),
	}
	for i := 0; i != numShards; i++ {
		meta.Shards = append(meta.Shards, NewShard())
	}

	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

// Validate checks structural invariants of the metadata.
func (m *Metadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("index name is empty")
	}
	if strings.ContainsAny(m.Name, "/\\ ") {
		return fmt.Errorf("index name %q contains path or space characters", m.Name)
	}
	if m.NumShards < 1 {
		return fmt.Errorf("num_shards must be at least 1 (got %d)", m.NumShards)
	}
	if m.NumReplicas < 1 {
		return fmt.Errorf("num_replicas must be at least 1 (got %d)", m.NumReplicas)
	}
	if len(m.Shards) != m.NumShards {
		return fmt.Errorf("num_shards is %d but %d shard slots are defined", m.NumShards, len(m.Shards))
	}
	if m.WriterThreads < 1 {
		return fmt.Errorf("writer_threads must be at least 1 (got %d)", m.WriterThreads)
	}
	if m.WriterHeapBytes < 1<<20 {
		return fmt.Errorf("writer_heap_bytes must be at least 1MiB (got %d)", m.WriterHeapBytes)
	}
	if err := m.Schema.Validate(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	for name, cfg := range m.Analyzers {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("analyzer %q: %w", name, err)
		}
	}
	for _, f := range m.Schema.Fields {
		if f.Analyzer == "" {
			continue
		}
		if _, ok := m.Analyzers[f.Analyzer]; !ok && !IsBuiltinAnalyzer(f.Analyzer) {
			return fmt.Errorf("schema field %q names unknown analyzer %q", f.Name, f.Analyzer)
		}
	}
	return nil
}

// ShardByID returns the shard slot with |id|.
func (m *Metadata) ShardByID(id string) (Shard, bool) {
	for _, s := range m.Shards {
		if s.ID == id {
			return s, true
		}
	}
	return Shard{}, false
}

// AppendShard adds a fresh shard slot at the tail and bumps version.
func (m *Metadata) AppendShard() Shard {
	var shard = NewShard()
	m.Shards = append(m.Shards, shard)
	m.NumShards = len(m.Shards)
	m.touch()
	return shard
}

// RemoveTailShard removes the last shard slot and bumps version.
// Documents routed to the removed slot are lost; callers must log this.
func (m *Metadata) RemoveTailShard() (Shard, error) {
	if len(m.Shards) <= 1 {
		return Shard{}, fmt.Errorf("index %s has a single shard which cannot be removed", m.Name)
	}
	var tail = m.Shards[len(m.Shards)-1]
	m.Shards = m.Shards[:len(m.Shards)-1]
	m.NumShards = len(m.Shards)
	m.touch()
	return tail, nil
}

// touch advances Version, strictly monotonically even within a second.
func (m *Metadata) touch() {
	var now = time.Now().Unix()
	if now <= m.Version {
		now = m.Version + 1
	}
	m.Version = now
}

// Touch publicly advances the metadata version after a modification.
func (m *Metadata) Touch() { m.touch() }

// Clone returns a copy whose shard list, schema fields and analyzer map
// are independent of |m|. Analyzer configs are copied by value, so their
// token filter lists are shared with |m|.
func (m *Metadata) Clone() *Metadata {
	var out = *m
	out.Shards = append([]Shard(nil), m.Shards...)
	out.Schema.Fields = append([]Field(nil), m.Schema.Fields...)
	if m.Analyzers != nil {
		out.Analyzers = make(map[string]AnalyzerConfig, len(m.Analyzers))
		for k, v := range m.Analyzers {
			out.Analyzers[k] = v
		}
	}
	return &out
}

// Encode serializes the metadata as indented JSON for meta.json.
func (m *Metadata) Encode() ([]byte, error) {
	var content, err = json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding metadata of %s: %w", m.Name, err)
	}
	return append(content, '\n'), nil
}

// SortMetadata orders metadata by index name.
func SortMetadata(metas []*Metadata) {
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
}

// DecodeMetadata parses meta.json content.
func DecodeMetadata(content []byte) (*Metadata, error) {
	var meta Metadata
	if err := json.Unmarshal(content, &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &meta, nil
}
