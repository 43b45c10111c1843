// Package node aggregates membership, the metastore, and the shard
// lifecycle into one event-driven reconciliation loop, and exposes the
// shard-level RPC service.
package node

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/perchsearch/perch/cluster"
	"github.com/perchsearch/perch/index"
	"github.com/perchsearch/perch/metastore"
	"github.com/perchsearch/perch/placement"
	"github.com/perchsearch/perch/rpc"
)

var (
	shardsHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "perch_node_shards_held",
		Help: "Shard replicas currently held by this node.",
	})
	reconciliations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perch_node_reconciliations_total",
		Help: "Placement reconciliation passes.",
	})
)

func init() {
	prometheus.MustRegister(shardsHeld, reconciliations)
}

// Config holds node tuning knobs.
type Config struct {
	// ReleaseGrace is how long released shard data is retained on disk
	// before removal, in case placement flaps back.
	ReleaseGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReleaseGrace == 0 {
		c.ReleaseGrace = time.Minute
	}
}

// Node is one cluster member's runtime state.
type Node struct {
	cfg        Config
	metas      *metastore.Metastore
	membership *cluster.Membership
	shards     *index.Shards
	router     *rpc.Router

	// placementSnapshot is copy-on-update: readers load a stable
	// snapshot without locking.
	placementSnapshot atomic.Pointer[placement.Placement]

	// held counts currently held shard replicas, for the gauge.
	heldMu sync.Mutex
	held   map[placement.ShardKey]struct{}

	ready atomic.Bool

	events   <-chan metastore.Event
	messages <-chan cluster.Message
	members  <-chan cluster.MemberEvent
}

// New wires a Node over its collaborators and performs the initial
// placement pass, adopting locally owned shards.
func New(cfg Config, metas *metastore.Metastore, membership *cluster.Membership, client *rpc.Client) (*Node, error) {
	cfg.applyDefaults()

	var n = &Node{
		cfg:        cfg,
		metas:      metas,
		membership: membership,
		shards:     index.NewShards(metas.Dir()),
		held:       make(map[placement.ShardKey]struct{}),
	}
	n.router = rpc.NewRouter(metas, membership, client)

	// Subscribe before the initial reconcile so no change can fall
	// between the first placement pass and the event loop.
	n.events = metas.Subscribe()
	n.messages = membership.Messages()
	n.members = membership.Events()

	var empty = placement.Placement{}
	n.placementSnapshot.Store(&empty)
	n.reconcile()
	n.ready.Store(true)
	return n, nil
}

// Ready reports whether the node finished its initial reconcile.
func (n *Node) Ready() bool { return n.ready.Load() }

// Router returns the node's request router.
func (n *Node) Router() *rpc.Router { return n.router }

// Placement returns the current placement snapshot.
func (n *Node) Placement() placement.Placement { return *n.placementSnapshot.Load() }

// Run drives the reconciliation loop until the context is cancelled.
func (n *Node) Run(ctx context.Context) error {
	var events = n.events
	var messages = n.messages
	var members = n.members

	for {
		select {
		case <-ctx.Done():
			n.shards.CloseAll()
			return nil

		case event, ok := <-events:
			if !ok {
				return nil
			}
			n.onMetastoreEvent(event)

		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			n.onBroadcast(msg)

		case event, ok := <-members:
			if !ok {
				return nil
			}
			log.WithFields(log.Fields{
				"member": event.Member.Addr, "kind": event.Kind.String(),
			}).Info("membership changed")
			n.reconcile()
		}
	}
}

// onMetastoreEvent reacts to a local metadata change: broadcast the
// delta to peers and reconcile local shard state.
func (n *Node) onMetastoreEvent(event metastore.Event) {
	switch event.Kind {
	case metastore.EventCreated:
		var msg, err = cluster.NewCreateIndexMessage(event.Meta)
		if err != nil {
			log.WithFields(log.Fields{"index": event.Name, "err": err}).
				Error("cannot broadcast index creation")
		} else {
			n.membership.Broadcast(msg)
		}
		n.reconcile()

	case metastore.EventModified:
		var msg, err = cluster.NewModifyIndexMessage(event.Meta)
		if err != nil {
			log.WithFields(log.Fields{"index": event.Name, "err": err}).
				Error("cannot broadcast index modification")
		} else {
			n.membership.Broadcast(msg)
		}
		if err := n.shards.UpdateMetadata(event.Meta); err != nil {
			log.WithFields(log.Fields{"index": event.Name, "err": err}).
				Error("rejecting incompatible metadata change for held shards")
		}
		n.reconcile()

	case metastore.EventDeleted:
		n.membership.Broadcast(cluster.NewDeleteIndexMessage(event.Name))
		n.shards.ReleaseIndex(event.Name, true)
		if err := os.RemoveAll(n.metas.IndexDir(event.Name)); err != nil {
			log.WithFields(log.Fields{"index": event.Name, "err": err}).
				Warn("removing index directory failed")
		}
		n.reconcile()
	}
}

// onBroadcast applies a remote metadata delta through the local
// metastore. The write loops back as a metastore event, which drives
// the same reconciliation as a local change.
func (n *Node) onBroadcast(msg cluster.Message) {
	switch msg.Kind {
	case cluster.MessageKindCreateIndex, cluster.MessageKindModifyIndex:
		var meta, err = msg.Metadata()
		if err != nil {
			log.WithField("err", err).Warn("dropping broadcast with undecodable metadata")
			return
		}

		if current, getErr := n.metas.Get(meta.Name); getErr == nil && current.Version >= meta.Version {
			return // Local state is as new or newer.
		}
		if err = n.metas.Put(meta); err != nil {
			log.WithFields(log.Fields{"index": meta.Name, "err": err}).
				Error("applying broadcast metadata failed")
		}

	case cluster.MessageKindDeleteIndex:
		var name = string(msg.Body)
		if err := n.metas.Delete(name); err != nil && !metastore.IsNotFound(err) {
			log.WithFields(log.Fields{"index": name, "err": err}).
				Error("applying broadcast deletion failed")
		}
	}
}

// reconcile recomputes placement and adopts or releases local shards
// to match.
func (n *Node) reconcile() {
	reconciliations.Inc()

	var indices = n.metas.List()
	var members = n.membership.Members()
	var next = placement.Place(members, indices)
	var prev = *n.placementSnapshot.Load()
	n.placementSnapshot.Store(&next)

	var self = n.membership.Self().Addr
	var metaByName = make(map[string]*index.Metadata, len(indices))
	for _, meta := range indices {
		metaByName[meta.Name] = meta
	}

	for _, change := range placement.Diff(prev, next, self) {
		switch change.Kind {
		case placement.Adopt:
			var meta, ok = metaByName[change.Key.Index]
			if !ok {
				continue // Deleted while reconciling.
			}
			if err := n.shards.Adopt(meta, change.Key.Shard); err != nil {
				log.WithFields(log.Fields{
					"index": change.Key.Index, "shard": change.Key.Shard, "err": err,
				}).Error("adopting shard failed")
				continue
			}
			n.trackHeld(change.Key, true)
			log.WithFields(log.Fields{
				"index": change.Key.Index, "shard": change.Key.Shard,
			}).Info("adopted shard")

		case placement.Release:
			if err := n.shards.Release(change.Key.Index, change.Key.Shard, false); err != nil {
				log.WithFields(log.Fields{
					"index": change.Key.Index, "shard": change.Key.Shard, "err": err,
				}).Warn("releasing shard failed")
			}
			n.trackHeld(change.Key, false)
			n.scheduleRemoval(change.Key)
			log.WithFields(log.Fields{
				"index": change.Key.Index, "shard": change.Key.Shard,
			}).Info("released shard")
		}
	}
}

func (n *Node) trackHeld(key placement.ShardKey, held bool) {
	n.heldMu.Lock()
	defer n.heldMu.Unlock()
	if held {
		n.held[key] = struct{}{}
	} else {
		delete(n.held, key)
	}
	shardsHeld.Set(float64(len(n.held)))
}

// scheduleRemoval deletes released shard data after the grace period,
// unless placement has assigned the shard back in the meantime.
func (n *Node) scheduleRemoval(key placement.ShardKey) {
	var self = n.membership.Self().Addr
	time.AfterFunc(n.cfg.ReleaseGrace, func() {
		if n.Placement().Holds(key, self) {
			return
		}
		var dir = index.ShardDir(n.metas.Dir(), key.Index, key.Shard)
		if err := os.RemoveAll(dir); err != nil {
			log.WithFields(log.Fields{"dir": dir, "err": err}).
				Warn("removing released shard data failed")
			return
		}
		log.WithFields(log.Fields{"index": key.Index, "shard": key.Shard}).
			Info("removed released shard data after grace")
	})
}
