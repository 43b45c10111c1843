package cluster

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// MemberMeta carries the addresses a member serves on beyond gossip.
type MemberMeta struct {
	RPCAddr  string `json:"rpc_addr,omitempty"`
	HTTPAddr string `json:"http_addr,omitempty"`
}

// Member is one node of the cluster as seen through gossip. Addr is the
// identity prefix: two members with equal Addr are the same logical
// node, and the one with the larger Version supersedes the other.
type Member struct {
	Addr    string     `json:"addr"`
	Meta    MemberMeta `json:"metadata,omitempty"`
	Version int64      `json:"version"`
}

// NewMember builds a member identity with the current time as version.
func NewMember(addr string, meta MemberMeta) Member {
	return Member{Addr: addr, Meta: meta, Version: time.Now().Unix()}
}

// Supersedes reports whether |m| is a newer incarnation of |other|.
func (m Member) Supersedes(other Member) bool {
	return m.Addr == other.Addr && m.Version > other.Version
}

// encodeMeta serializes the member for the gossip node-meta slot, which
// memberlist caps at a small limit.
func (m Member) encodeMeta(limit int) ([]byte, error) {
	var out, err = json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding member %s: %w", m.Addr, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("member meta of %s is %d bytes, exceeding the %d byte limit",
			m.Addr, len(out), limit)
	}
	return out, nil
}

// decodeMemberMeta parses a member from its gossip node-meta bytes.
func decodeMemberMeta(data []byte) (Member, error) {
	var m Member
	if err := json.Unmarshal(data, &m); err != nil {
		return Member{}, fmt.Errorf("decoding member meta: %w", err)
	}
	return m, nil
}

// SortMembers orders members by Addr for deterministic iteration.
func SortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool { return members[i].Addr < members[j].Addr })
}

// EventKind distinguishes membership transitions.
type EventKind int

const (
	// MemberUp is emitted when a member joins or re-joins.
	MemberUp EventKind = iota
	// MemberDown is emitted when the failure detector evicts a member.
	MemberDown
)

func (k EventKind) String() string {
	if k == MemberUp {
		return "up"
	}
	return "down"
}

// MemberEvent is one membership transition.
type MemberEvent struct {
	Kind   EventKind
	Member Member
}
