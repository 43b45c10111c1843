// Package cluster provides gossip membership and the versioned
// broadcast channel which carries index-metadata deltas between nodes.
package cluster

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/perchsearch/perch/index"
)

// MessageKind types a broadcast payload. The numeric codes are part of
// the wire format and must not be renumbered.
type MessageKind uint8

const (
	MessageKindUnknown     MessageKind = 0
	MessageKindCreateIndex MessageKind = 3
	MessageKindDeleteIndex MessageKind = 4
	MessageKindModifyIndex MessageKind = 5
)

func (k MessageKind) String() string {
	switch k {
	case MessageKindUnknown:
		return "unknown"
	case MessageKindCreateIndex:
		return "create_index"
	case MessageKindDeleteIndex:
		return "delete_index"
	case MessageKindModifyIndex:
		return "modify_index"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(k))
	}
}

func messageKindFromByte(b uint8) (MessageKind, error) {
	switch MessageKind(b) {
	case MessageKindUnknown, MessageKindCreateIndex, MessageKindDeleteIndex, MessageKindModifyIndex:
		return MessageKind(b), nil
	default:
		return MessageKindUnknown, fmt.Errorf("unknown message kind %d", b)
	}
}

// messageHeaderLen is 8 (version) + 1 (kind) + 8 (body length).
const messageHeaderLen = 17

// Message is a versioned, typed broadcast payload. On the wire it is
// big-endian [version: i64][kind: u8][body_len: u64][body: bytes].
// For CreateIndex and ModifyIndex the body is the full post-change
// metadata as JSON; for DeleteIndex it is the index name.
type Message struct {
	Version int64
	Kind    MessageKind
	Body    []byte
}

// NewCreateIndexMessage builds a CreateIndex broadcast carrying |meta|.
func NewCreateIndexMessage(meta *index.Metadata) (Message, error) {
	return newMetadataMessage(MessageKindCreateIndex, meta)
}

// NewModifyIndexMessage builds a ModifyIndex broadcast carrying |meta|.
func NewModifyIndexMessage(meta *index.Metadata) (Message, error) {
	return newMetadataMessage(MessageKindModifyIndex, meta)
}

func newMetadataMessage(kind MessageKind, meta *index.Metadata) (Message, error) {
	var body, err = json.Marshal(meta)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s body for %s: %w", kind, meta.Name, err)
	}
	return Message{Version: time.Now().Unix(), Kind: kind, Body: body}, nil
}

// NewDeleteIndexMessage builds a DeleteIndex broadcast for |name|.
func NewDeleteIndexMessage(name string) Message {
	return Message{Version: time.Now().Unix(), Kind: MessageKindDeleteIndex, Body: []byte(name)}
}

// IndexName extracts the index name the message refers to.
func (m Message) IndexName() (string, error) {
	switch m.Kind {
	case MessageKindCreateIndex, MessageKindModifyIndex:
		var meta, err = m.Metadata()
		if err != nil {
			return "", err
		}
		return meta.Name, nil
	case MessageKindDeleteIndex:
		return string(m.Body), nil
	default:
		return "", fmt.Errorf("message kind %s carries no index name", m.Kind)
	}
}

// Metadata decodes the carried index metadata of a create/modify message.
func (m Message) Metadata() (*index.Metadata, error) {
	if m.Kind != MessageKindCreateIndex && m.Kind != MessageKindModifyIndex {
		return nil, fmt.Errorf("message kind %s carries no metadata", m.Kind)
	}
	var meta, err = index.DecodeMetadata(m.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s body: %w", m.Kind, err)
	}
	return meta, nil
}

// Encode serializes the message to its wire representation.
func (m Message) Encode() []byte {
	var out = make([]byte, messageHeaderLen+len(m.Body))
	binary.BigEndian.PutUint64(out[0:8], uint64(m.Version))
	out[8] = uint8(m.Kind)
	binary.BigEndian.PutUint64(out[9:17], uint64(len(m.Body)))
	copy(out[messageHeaderLen:], m.Body)
	return out
}

// DecodeMessage parses a wire representation produced by Encode.
func DecodeMessage(data []byte) (Message, error) {
	if len(data) < messageHeaderLen {
		return Message{}, fmt.Errorf("message of %d bytes is shorter than the %d byte header",
			len(data), messageHeaderLen)
	}
	var kind, err = messageKindFromByte(data[8])
	if err != nil {
		return Message{}, err
	}
	var bodyLen = binary.BigEndian.Uint64(data[9:17])
	if uint64(len(data)-messageHeaderLen) < bodyLen {
		return Message{}, fmt.Errorf("message body is truncated: header says %d bytes, %d remain",
			bodyLen, len(data)-messageHeaderLen)
	}
	return Message{
		Version: int64(binary.BigEndian.Uint64(data[0:8])),
		Kind:    kind,
		Body:    append([]byte(nil), data[messageHeaderLen:messageHeaderLen+bodyLen]...),
	}, nil
}

// Invalidates reports whether |m| supersedes |other| in the pending
// broadcast queue: same kind, same index name (for keyed kinds), and a
// strictly higher version.
func (m Message) Invalidates(other Message) bool {
	if m.Kind != other.Kind || m.Version <= other.Version {
		return false
	}

	var name, err = m.IndexName()
	if err != nil {
		return false
	}
	otherName, err := other.IndexName()
	if err != nil {
		return false
	}
	return name == otherName
}

// key identifies the (kind, index-name) stream a message belongs to,
// used for receive-side version gating.
func (m Message) key() string {
	var name, err = m.IndexName()
	if err != nil {
		name = ""
	}
	return m.Kind.String() + "/" + name
}
