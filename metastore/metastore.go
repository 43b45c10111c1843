// Package metastore is the per-node authoritative cache of index
// definitions, backed by one meta.json per index under the data
// directory. Disk is the source of truth: writes go to disk first, and
// a filesystem watcher folds both local and out-of-band changes back
// into memory, emitting change events to subscribers.
package metastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/perchsearch/perch/fsutil"
	"github.com/perchsearch/perch/index"
)

// EventKind classifies metastore change events.
type EventKind int

const (
	EventCreated EventKind = iota
	EventModified
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("invalid(%d)", int(k))
	}
}

// Event is one observed index definition change. Meta is the
// post-change metadata for Created and Modified, and nil for Deleted.
type Event struct {
	Kind EventKind
	Name string
	Meta *index.Metadata
}

// Metastore watches <data_dir>/indices and serves index definitions.
type Metastore struct {
	dir     string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	indices map[string]*index.Metadata
	subs    []chan Event
	closed  bool

	done chan struct{}
}

// New scans |dataDir|/indices, builds the in-memory view, and starts
// the filesystem watcher.
func New(dataDir string) (*Metastore, error) {
	var dir = filepath.Join(dataDir, index.IndicesDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &Error{Kind: WriteFailure, Err: fmt.Errorf("creating %s: %w", dir, err)}
	}

	var watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	if err = watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	var m = &Metastore{
		dir:     dir,
		watcher: watcher,
		indices: make(map[string]*index.Metadata),
		done:    make(chan struct{}),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		watcher.Close()
		return nil, &Error{Kind: ReadFailure, Err: fmt.Errorf("scanning %s: %w", dir, err)}
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var name = entry.Name()
		if err = watcher.Add(filepath.Join(dir, name)); err != nil {
			log.WithFields(log.Fields{"index": name, "err": err}).Warn("cannot watch index directory")
		}

		var meta, loadErr = m.load(name)
		if loadErr != nil {
			log.WithFields(log.Fields{"index": name, "err": loadErr}).
				Warn("skipping index with unreadable metadata")
			continue
		}
		m.indices[name] = meta
	}

	go m.watch()
	return m, nil
}

// Dir returns the watched indices directory.
func (m *Metastore) Dir() string { return m.dir }

// IndexDir returns the directory of index |name|.
func (m *Metastore) IndexDir(name string) string { return filepath.Join(m.dir, name) }

// metaPath returns the meta.json path of index |name|.
func (m *Metastore) metaPath(name string) string {
	return filepath.Join(m.dir, name, index.MetadataFile)
}

// load reads and parses the metadata of index |name| from disk.
func (m *Metastore) load(name string) (*index.Metadata, error) {
	var content, err = fsutil.ReadFile(m.metaPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &Error{Kind: NotFound, Name: name, Err: err}
		}
		return nil, &Error{Kind: ReadFailure, Name: name, Err: err}
	}
	meta, err := index.DecodeMetadata(content)
	if err != nil {
		return nil, &Error{Kind: ParseFailure, Name: name, Err: err}
	}
	return meta, nil
}

// Get returns the metadata of index |name|.
func (m *Metastore) Get(name string) (*index.Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var meta, ok = m.indices[name]
	if !ok {
		return nil, &Error{Kind: NotFound, Name: name}
	}
	return meta.Clone(), nil
}

// List returns all index definitions, ordered by name.
func (m *Metastore) List() []*index.Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*index.Metadata
	for _, meta := range m.indices {
		out = append(out, meta.Clone())
	}
	index.SortMetadata(out)
	return out
}

// Create persists |meta| for a new index. It fails with AlreadyExists
// if the index already has on-disk metadata. The in-memory view is
// updated by the watcher, which also emits the Created event.
func (m *Metastore) Create(meta *index.Metadata) error {
	if _, err := os.Stat(m.metaPath(meta.Name)); err == nil {
		return &Error{Kind: AlreadyExists, Name: meta.Name}
	} else if !os.IsNotExist(err) {
		return &Error{Kind: ReadFailure, Name: meta.Name, Err: err}
	}
	return m.Put(meta)
}

// Put persists |meta|, creating or replacing meta.json through an
// atomic file replace. Memory converges via the watcher.
func (m *Metastore) Put(meta *index.Metadata) error {
	var content, err = meta.Encode()
	if err != nil {
		return &Error{Kind: WriteFailure, Name: meta.Name, Err: err}
	}

	var indexDir = m.IndexDir(meta.Name)
	if err = os.MkdirAll(indexDir, 0755); err != nil {
		return &Error{Kind: WriteFailure, Name: meta.Name, Err: err}
	}
	// Watch the index directory before the first write so the watcher
	// cannot miss the creation event.
	if err = m.watcher.Add(indexDir); err != nil {
		log.WithFields(log.Fields{"index": meta.Name, "err": err}).Warn("cannot watch index directory")
	}

	if err = fsutil.ReplaceFile(m.metaPath(meta.Name), content); err != nil {
		return &Error{Kind: WriteFailure, Name: meta.Name, Err: err}
	}
	return nil
}

// Delete removes the on-disk metadata of index |name|. Memory and the
// Deleted event converge via the watcher. Shard data removal is the
// index lifecycle's responsibility.
func (m *Metastore) Delete(name string) error {
	if _, err := os.Stat(m.metaPath(name)); err != nil {
		if os.IsNotExist(err) {
			return &Error{Kind: NotFound, Name: name}
		}
		return &Error{Kind: ReadFailure, Name: name, Err: err}
	}
	if err := fsutil.RemoveFile(m.metaPath(name)); err != nil {
		return &Error{Kind: WriteFailure, Name: name, Err: err}
	}
	return nil
}

// Subscribe returns a channel of metastore change events. The channel
// is closed when the metastore closes.
func (m *Metastore) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ch = make(chan Event, 64)
	m.subs = append(m.subs, ch)
	return ch
}

// Close stops the watcher and closes all subscription channels.
func (m *Metastore) Close() error {
	var err = m.watcher.Close()
	<-m.done

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		for _, ch := range m.subs {
			close(ch)
		}
	}
	return err
}

func (m *Metastore) publish(event Event) {
	m.mu.RLock()
	var subs = append([]chan Event(nil), m.subs...)
	m.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			log.WithFields(log.Fields{"index": event.Name, "kind": event.Kind.String()}).
				Warn("metastore subscriber is lagging; dropping event")
		}
	}
}

// watch consumes filesystem events until the watcher closes.
func (m *Metastore) watch() {
	defer close(m.done)

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handle(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.WithField("err", err).Warn("filesystem watcher error")
		}
	}
}

// handle reconciles the in-memory view of the index touched by |event|
// against disk. Reconciliation is idempotent, which makes the exact
// event interleaving of an atomic replace irrelevant.
func (m *Metastore) handle(event fsnotify.Event) {
	var rel, err = filepath.Rel(m.dir, event.Name)
	if err != nil || rel == "." {
		return
	}
	var name = firstPathComponent(rel)

	// A new index directory must itself be watched for its meta.json.
	if event.Op.Has(fsnotify.Create) {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if addErr := m.watcher.Add(event.Name); addErr != nil {
				log.WithFields(log.Fields{"dir": event.Name, "err": addErr}).
					Warn("cannot watch index directory")
			}
		}
	}

	m.reconcile(name)
}

// reconcile compares the on-disk state of index |name| with memory and
// emits the according event, if any.
func (m *Metastore) reconcile(name string) {
	var meta, err = m.load(name)

	m.mu.Lock()
	var prev, known = m.indices[name]

	switch {
	case err != nil && IsNotFound(err):
		if !known {
			m.mu.Unlock()
			return
		}
		delete(m.indices, name)
		m.mu.Unlock()

		log.WithField("index", name).Info("index metadata deleted")
		m.publish(Event{Kind: EventDeleted, Name: name})

	case err != nil:
		m.mu.Unlock()
		log.WithFields(log.Fields{"index": name, "err": err}).
			Warn("ignoring unreadable index metadata")

	case !known:
		m.indices[name] = meta
		m.mu.Unlock()

		log.WithFields(log.Fields{"index": name, "version": meta.Version}).
			Info("index metadata created")
		m.publish(Event{Kind: EventCreated, Name: name, Meta: meta.Clone()})

	case meta.Version != prev.Version:
		m.indices[name] = meta
		m.mu.Unlock()

		log.WithFields(log.Fields{"index": name, "version": meta.Version}).
			Info("index metadata modified")
		m.publish(Event{Kind: EventModified, Name: name, Meta: meta.Clone()})

	default:
		// Repeated event for a state we already hold.
		m.mu.Unlock()
	}
}

func firstPathComponent(rel string) string {
	for i := 0; i != len(rel); i++ {
		if os.IsPathSeparator(rel[i]) {
			return rel[:i]
		}
	}
	return rel
}
