package cluster

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var (
	broadcastsQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perch_cluster_broadcasts_queued_total",
		Help: "Broadcast messages queued for gossip dissemination.",
	})
	broadcastsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perch_cluster_broadcasts_received_total",
		Help: "Broadcast messages received from peers.",
	})
	broadcastsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perch_cluster_broadcasts_stale_total",
		Help: "Received broadcasts dropped by version gating.",
	})
)

func init() {
	prometheus.MustRegister(broadcastsQueued, broadcastsReceived, broadcastsStale)
}

// Config configures cluster membership.
type Config struct {
	// BindAddr and BindPort are the gossip listener.
	BindAddr string
	BindPort int
	// AdvertiseAddr/Port are what peers are told; they default to bind.
	AdvertiseAddr string
	AdvertisePort int
	// RPCAddr and HTTPAddr are advertised in member metadata.
	RPCAddr  string
	HTTPAddr string
	// Seeds are existing cluster members to announce to. Empty starts
	// an isolated cluster.
	Seeds []string

	// Failure detector tuning.
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	SuspectPeriods int
}

func (c *Config) applyDefaults() {
	if c.ProbeInterval == 0 {
		c.ProbeInterval = time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 500 * time.Millisecond
	}
	if c.SuspectPeriods == 0 {
		c.SuspectPeriods = 3
	}
}

// Membership wraps the gossip failure detector. It exposes the live
// member set, queues piggy-backed broadcasts with invalidation, and
// delivers version-gated incoming messages and membership transitions.
type Membership struct {
	self  Member
	list  *memberlist.Memberlist
	queue *memberlist.TransmitLimitedQueue

	msgCh   chan Message
	eventCh chan MemberEvent

	mu       sync.Mutex
	lastSeen map[string]int64
}

// NewMembership starts the gossip listener and, if seeds are given,
// announces to them. The returned Membership is live until Shutdown.
func NewMembership(cfg Config) (*Membership, error) {
	cfg.applyDefaults()

	var advertiseAddr = cfg.AdvertiseAddr
	if advertiseAddr == "" {
		advertiseAddr = cfg.BindAddr
	}
	var advertisePort = cfg.AdvertisePort
	if advertisePort == 0 {
		advertisePort = cfg.BindPort
	}
	var name = net.JoinHostPort(advertiseAddr, strconv.Itoa(advertisePort))

	var m = &Membership{
		self:     NewMember(name, MemberMeta{RPCAddr: cfg.RPCAddr, HTTPAddr: cfg.HTTPAddr}),
		msgCh:    make(chan Message, 256),
		eventCh:  make(chan MemberEvent, 64),
		lastSeen: make(map[string]int64),
	}

	var mlCfg = memberlist.DefaultLANConfig()
	mlCfg.Name = name
	mlCfg.BindAddr = cfg.BindAddr
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertiseAddr = advertiseAddr
	mlCfg.AdvertisePort = advertisePort
	mlCfg.ProbeInterval = cfg.ProbeInterval
	mlCfg.ProbeTimeout = cfg.ProbeTimeout
	mlCfg.SuspicionMult = cfg.SuspectPeriods
	mlCfg.Delegate = (*delegate)(m)
	mlCfg.Events = (*eventDelegate)(m)
	mlCfg.LogOutput = log.StandardLogger().WriterLevel(log.DebugLevel)

	var list, err = memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("creating gossip listener on %s:%d: %w", cfg.BindAddr, cfg.BindPort, err)
	}
	m.list = list
	m.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       list.NumMembers,
		RetransmitMult: 4,
	}

	if len(cfg.Seeds) != 0 {
		if _, err = list.Join(cfg.Seeds); err != nil {
			list.Shutdown()
			return nil, fmt.Errorf("announcing to seeds %v: %w", cfg.Seeds, err)
		}
		log.WithFields(log.Fields{"self": name, "seeds": cfg.Seeds}).Info("joined cluster")
	} else {
		log.WithField("self", name).Info("started isolated cluster")
	}

	return m, nil
}

// Self returns this node's member identity.
func (m *Membership) Self() Member { return m.self }

// Members returns the current live member set, including self,
// ordered by address.
func (m *Membership) Members() []Member {
	var out []Member
	for _, node := range m.list.Members() {
		var member, err = decodeMemberMeta(node.Meta)
		if err != nil {
			// A peer running an incompatible build; skip it rather
			// than poisoning placement.
			log.WithFields(log.Fields{"node": node.Name, "err": err}).
				Warn("skipping member with undecodable metadata")
			continue
		}
		out = append(out, member)
	}
	SortMembers(out)
	return out
}

// Broadcast queues |msg| for piggy-backed dissemination. The message
// retires pending broadcasts it invalidates.
func (m *Membership) Broadcast(msg Message) {
	broadcastsQueued.Inc()
	m.queue.QueueBroadcast(broadcast{msg: msg, encoded: msg.Encode()})
}

// Messages delivers incoming broadcasts, deduplicated by version per
// (kind, index) stream and monotonic within each stream.
func (m *Membership) Messages() <-chan Message { return m.msgCh }

// Events delivers membership transitions.
func (m *Membership) Events() <-chan MemberEvent { return m.eventCh }

// Leave gracefully departs the cluster and stops gossip.
func (m *Membership) Leave(timeout time.Duration) error {
	if err := m.list.Leave(timeout); err != nil {
		return fmt.Errorf("leaving cluster: %w", err)
	}
	return m.list.Shutdown()
}

// Shutdown stops gossip without a graceful departure announcement.
func (m *Membership) Shutdown() error { return m.list.Shutdown() }

// receive applies version gating and forwards accepted messages.
func (m *Membership) receive(data []byte) {
	broadcastsReceived.Inc()

	var msg, err = DecodeMessage(data)
	if err != nil {
		// Malformed payloads are dropped; gossip continues.
		log.WithField("err", err).Warn("dropping malformed broadcast")
		return
	}

	var key = msg.key()
	m.mu.Lock()
	if last, ok := m.lastSeen[key]; ok && last >= msg.Version {
		m.mu.Unlock()
		broadcastsStale.Inc()
		log.WithFields(log.Fields{"kind": msg.Kind.String(), "version": msg.Version}).
			Debug("dropping stale broadcast")
		return
	}
	m.lastSeen[key] = msg.Version
	m.mu.Unlock()

	select {
	case m.msgCh <- msg:
	default:
		log.WithField("kind", msg.Kind.String()).
			Warn("message subscriber is lagging; dropping broadcast")
	}
}

func (m *Membership) notify(kind EventKind, node *memberlist.Node) {
	var member, err = decodeMemberMeta(node.Meta)
	if err != nil {
		log.WithFields(log.Fields{"node": node.Name, "err": err}).
			Warn("membership event for undecodable member")
		return
	}
	select {
	case m.eventCh <- MemberEvent{Kind: kind, Member: member}:
	default:
		log.WithField("member", member.Addr).
			Warn("event subscriber is lagging; dropping membership event")
	}
}

// delegate adapts Membership to the gossip library's Delegate.
type delegate Membership

func (d *delegate) NodeMeta(limit int) []byte {
	var meta, err = d.self.encodeMeta(limit)
	if err != nil {
		log.WithField("err", err).Error("member metadata does not fit the gossip meta slot")
		return nil
	}
	return meta
}

func (d *delegate) NotifyMsg(data []byte) {
	(*Membership)(d).receive(data)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	// Gossip ticks can fire between listener creation and queue setup.
	if d.queue == nil {
		return nil
	}
	return d.queue.GetBroadcasts(overhead, limit)
}

func (d *delegate) LocalState(join bool) []byte            { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool) {}

// eventDelegate adapts Membership to the gossip library's EventDelegate.
type eventDelegate Membership

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	(*Membership)(e).notify(MemberUp, node)
}

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	(*Membership)(e).notify(MemberDown, node)
}

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	// A metadata update (including a version renewal after a false
	// eviction) is surfaced as an Up transition for the new incarnation.
	(*Membership)(e).notify(MemberUp, node)
}

// broadcast adapts Message to the gossip transmit queue.
type broadcast struct {
	msg     Message
	encoded []byte
}

func (b broadcast) Message() []byte { return b.encoded }
func (b broadcast) Finished()       {}

func (b broadcast) Invalidates(other memberlist.Broadcast) bool {
	var o, ok = other.(broadcast)
	if !ok {
		return false
	}
	return b.msg.Invalidates(o.msg)
}
