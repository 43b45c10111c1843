package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/perchsearch/perch/search"
)

var (
	// ErrIndexExists is returned when creating into a non-empty shard
	// directory.
	ErrIndexExists = errors.New("index already exists")
	// ErrIndexNotFound is returned when opening a missing shard index.
	ErrIndexNotFound = errors.New("index not found")
	// ErrShardClosed is returned by operations on a closed shard.
	ErrShardClosed = errors.New("shard is closed")
	// ErrShardNotHeld is returned when this node holds no replica of
	// the addressed shard.
	ErrShardNotHeld = errors.New("shard is not held by this node")
)

var (
	documentsIndexed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perch_shard_documents_indexed_total",
		Help: "Documents enqueued for indexing, by index.",
	}, []string{"index"})
	documentsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perch_shard_documents_deleted_total",
		Help: "Document deletions enqueued, by index.",
	}, []string{"index"})
	commitDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perch_shard_commit_duration_seconds",
		Help:    "Duration of shard commits, by index.",
		Buckets: prometheus.DefBuckets,
	}, []string{"index"})
	searchDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perch_shard_search_duration_seconds",
		Help:    "Duration of shard-local searches, by index.",
		Buckets: prometheus.DefBuckets,
	}, []string{"index"})
)

func init() {
	prometheus.MustRegister(documentsIndexed, documentsDeleted, commitDurations, searchDurations)
}

// shardState is the lifecycle state of a ShardIndex.
type shardState int

const (
	shardReady shardState = iota
	shardClosed
)

// ShardIndex is the open on-disk index of one shard. It owns the
// single writer of the shard, a pending uncommitted batch, and the
// current reader generation published to searches.
type ShardIndex struct {
	indexName string
	shardID   string
	dir       string

	schema    Schema
	analyzers Analyzers
	resolver  *Resolver

	writerThreads int
	heapBytes     int64

	// mu serializes writer operations: batching, commit, rollback,
	// and close. Searches do not take it.
	mu           sync.Mutex
	state        shardState
	writer       *bluge.Writer
	pending      *bluge.Batch
	pendingBytes int64
	pendingOps   int

	// reader is the current published generation, swapped on commit.
	reader atomic.Pointer[bluge.Reader]
}

// OpenShard opens the existing shard index at |dir|.
// It fails with ErrIndexNotFound when no index is present.
func OpenShard(dir string, meta *Metadata, shardID string) (*ShardIndex, error) {
	if empty, err := dirIsEmpty(dir); err != nil {
		return nil, fmt.Errorf("inspecting shard directory %s: %w", dir, err)
	} else if empty {
		return nil, fmt.Errorf("shard %s/%s at %s: %w", meta.Name, shardID, dir, ErrIndexNotFound)
	}
	return openShard(dir, meta, shardID)
}

// CreateShard creates a new shard index at |dir|.
// It fails with ErrIndexExists when the directory already holds one.
func CreateShard(dir string, meta *Metadata, shardID string) (*ShardIndex, error) {
	if empty, err := dirIsEmpty(dir); err != nil {
		return nil, fmt.Errorf("inspecting shard directory %s: %w", dir, err)
	} else if !empty {
		return nil, fmt.Errorf("shard %s/%s at %s: %w", meta.Name, shardID, dir, ErrIndexExists)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating shard directory %s: %w", dir, err)
	}
	return openShard(dir, meta, shardID)
}

// OpenOrCreateShard opens the shard index at |dir|, creating it if the
// directory is empty or absent.
func OpenOrCreateShard(dir string, meta *Metadata, shardID string) (*ShardIndex, error) {
	var empty, err = dirIsEmpty(dir)
	if err != nil {
		return nil, fmt.Errorf("inspecting shard directory %s: %w", dir, err)
	}
	if empty {
		return CreateShard(dir, meta, shardID)
	}
	return openShard(dir, meta, shardID)
}

func openShard(dir string, meta *Metadata, shardID string) (*ShardIndex, error) {
	// Analyzers and the schema-driven resolver are rebuilt on every
	// open so metadata changes take effect.
	var analyzers, err = BuildAnalyzers(meta.Analyzers)
	if err != nil {
		return nil, err
	}

	writer, err := bluge.OpenWriter(bluge.DefaultConfig(dir))
	if err != nil {
		return nil, fmt.Errorf("opening shard %s/%s at %s: %w", meta.Name, shardID, dir, err)
	}
	reader, err := writer.Reader()
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening reader of shard %s/%s: %w", meta.Name, shardID, err)
	}

	var s = &ShardIndex{
		indexName:     meta.Name,
		shardID:       shardID,
		dir:           dir,
		schema:        meta.Schema,
		analyzers:     analyzers,
		resolver:      NewResolver(meta.Schema, analyzers),
		writerThreads: meta.WriterThreads,
		heapBytes:     meta.WriterHeapBytes,
		pending:       bluge.NewBatch(),
	}
	s.reader.Store(reader)

	log.WithFields(log.Fields{"index": meta.Name, "shard": shardID, "dir": dir}).
		Info("opened shard index")
	return s, nil
}

func dirIsEmpty(dir string) (bool, error) {
	var entries, err = os.ReadDir(dir)
	if os.IsNotExist(err) {
		return true, nil
	} else if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// IndexName returns the owning index name.
func (s *ShardIndex) IndexName() string { return s.indexName }

// ShardID returns the shard identifier.
func (s *ShardIndex) ShardID() string { return s.shardID }

// UpdateMetadata applies a modified index definition to the open
// shard. Schema changes must be additive: existing fields cannot
// change type or analyzer.
func (s *ShardIndex) UpdateMetadata(meta *Metadata) error {
	for _, prev := range s.schema.Fields {
		var next, ok = meta.Schema.FieldByName(prev.Name)
		if !ok {
			return fmt.Errorf("schema change removes field %q", prev.Name)
		}
		if next.Type != prev.Type || next.Analyzer != prev.Analyzer {
			return fmt.Errorf("schema change alters field %q", prev.Name)
		}
	}
	var analyzers, err = BuildAnalyzers(meta.Analyzers)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = meta.Schema
	s.analyzers = analyzers
	s.resolver = NewResolver(meta.Schema, analyzers)
	s.writerThreads = meta.WriterThreads
	s.heapBytes = meta.WriterHeapBytes
	return nil
}

// PutDocuments parses and enqueues |raw| documents on the shard's
// writer. Documents become visible to search at the next commit, or
// earlier if the pending batch outgrows the writer heap budget.
func (s *ShardIndex) PutDocuments(raw [][]byte) error {
	type built struct {
		doc  *bluge.Document
		size int64
	}
	var docs = make([]built, len(raw))
	var now = time.Now()

	// Document analysis is CPU-bound; spread it over the writer pool.
	var group errgroup.Group
	group.SetLimit(s.writerThreads)
	for i := range raw {
		var i = i
		group.Go(func() error {
			var doc, err = ParseDocument(raw[i])
			if err != nil {
				return err
			}
			blugeDoc, err := buildBlugeDocument(doc, s.schema, s.analyzers, now)
			if err != nil {
				return err
			}
			docs[i] = built{doc: blugeDoc, size: int64(len(raw[i]))}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == shardClosed {
		return ErrShardClosed
	}
	for _, b := range docs {
		s.pending.Update(b.doc.ID(), b.doc)
		s.pendingBytes += b.size
		s.pendingOps++
	}
	documentsIndexed.WithLabelValues(s.indexName).Add(float64(len(docs)))

	if s.pendingBytes >= s.heapBytes {
		return s.commitLocked()
	}
	return nil
}

// DeleteDocuments enqueues deletions of |ids| on the shard's writer.
func (s *ShardIndex) DeleteDocuments(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == shardClosed {
		return ErrShardClosed
	}
	for _, id := range ids {
		s.pending.Delete(bluge.Identifier(id))
		s.pendingOps++
	}
	documentsDeleted.WithLabelValues(s.indexName).Add(float64(len(ids)))
	return nil
}

// Commit flushes the pending batch and publishes a new reader
// generation. Concurrent searches keep their current generation until
// the atomic swap.
func (s *ShardIndex) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == shardClosed {
		return ErrShardClosed
	}
	return s.commitLocked()
}

func (s *ShardIndex) commitLocked() error {
	var started = time.Now()

	if err := s.writer.Batch(s.pending); err != nil {
		return fmt.Errorf("committing shard %s/%s: %w", s.indexName, s.shardID, err)
	}
	s.pending = bluge.NewBatch()
	s.pendingBytes = 0
	s.pendingOps = 0

	var reader, err = s.writer.Reader()
	if err != nil {
		return fmt.Errorf("publishing reader of shard %s/%s: %w", s.indexName, s.shardID, err)
	}
	if old := s.reader.Swap(reader); old != nil {
		old.Close()
	}

	commitDurations.WithLabelValues(s.indexName).Observe(time.Since(started).Seconds())
	log.WithFields(log.Fields{"index": s.indexName, "shard": s.shardID}).Debug("committed shard")
	return nil
}

// Rollback discards all pending writes since the last commit.
func (s *ShardIndex) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == shardClosed {
		return ErrShardClosed
	}

	var dropped = s.pendingOps
	s.pending = bluge.NewBatch()
	s.pendingBytes = 0
	s.pendingOps = 0

	log.WithFields(log.Fields{"index": s.indexName, "shard": s.shardID, "dropped": dropped}).
		Info("rolled back pending shard writes")
	return nil
}

// Search executes |req| against the latest published reader.
func (s *ShardIndex) Search(ctx context.Context, req search.Request) (search.Result, error) {
	var reader = s.reader.Load()
	if reader == nil {
		return search.Result{}, ErrShardClosed
	}

	var started = time.Now()
	var result, err = search.Execute(ctx, reader, req, s.resolver)
	if err != nil {
		return search.Result{}, err
	}
	searchDurations.WithLabelValues(s.indexName).Observe(time.Since(started).Seconds())
	return result, nil
}

// Close releases the writer and reader. Pending writes are discarded.
func (s *ShardIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == shardClosed {
		return nil
	}
	s.state = shardClosed

	var firstErr error
	if reader := s.reader.Swap(nil); reader != nil {
		if err := reader.Close(); err != nil {
			firstErr = fmt.Errorf("closing reader of shard %s/%s: %w", s.indexName, s.shardID, err)
		}
	}
	if err := s.writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing writer of shard %s/%s: %w", s.indexName, s.shardID, err)
	}

	log.WithFields(log.Fields{"index": s.indexName, "shard": s.shardID}).Info("closed shard index")
	return firstErr
}

// Delete closes the shard and removes its directory.
func (s *ShardIndex) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("removing shard directory %s: %w", s.dir, err)
	}
	return nil
}

// ShardDir returns the directory of shard |shardID| of index |name|
// within |indicesDir|.
func ShardDir(indicesDir, name, shardID string) string {
	return filepath.Join(indicesDir, name, ShardsDir, shardID)
}
