// Package rpc is the binary RPC surface of a node: a msgpack codec
// over TCP, a connection-pooling client, and the request router which
// resolves index-level operations onto shard owners.
package rpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/perchsearch/perch/cluster"
	"github.com/perchsearch/perch/index"
	"github.com/perchsearch/perch/search"
)

// Code classifies RPC failures for retry and surfacing decisions.
type Code string

const (
	CodeUnavailable        Code = "unavailable"
	CodeFailedPrecondition Code = "failed_precondition"
	CodeInvalidArgument    Code = "invalid_argument"
	CodeNotFound           Code = "not_found"
	CodeAlreadyExists      Code = "already_exists"
	CodeInternal           Code = "internal"
	CodeDeadlineExceeded   Code = "deadline_exceeded"
)

// errPrefix marks errors which carry a structured code across the
// wire. The standard library transmits handler errors as strings, so
// the code is embedded in the message.
const errPrefix = "perch["

// Errorf builds a coded error.
func Errorf(code Code, format string, args ...interface{}) error {
	return fmt.Errorf(errPrefix+"%s]: %s", code, fmt.Sprintf(format, args...))
}

// WrapError attaches |code| to |err|, preserving an existing code.
func WrapError(code Code, err error) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != CodeInternal || strings.Contains(err.Error(), errPrefix) {
		return err
	}
	return Errorf(code, "%v", err)
}

// CodeOf extracts the code of an error, defaulting to CodeInternal.
// It understands both local coded errors and their string form after a
// round-trip through the RPC layer.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var text = err.Error()
	var start = strings.Index(text, errPrefix)
	if start < 0 {
		return CodeInternal
	}
	var rest = text[start+len(errPrefix):]
	var end = strings.Index(rest, "]")
	if end < 0 {
		return CodeInternal
	}
	return Code(rest[:end])
}

// Retriable reports whether another replica may succeed where this
// error occurred. Validation, state, and storage errors never retry.
func Retriable(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable:
		return true
	case CodeInternal:
		// Transport-level failures (dial, broken pipe, shutdown) are
		// not coded; they are retriable against another replica.
		return !strings.Contains(err.Error(), errPrefix)
	default:
		return false
	}
}

// ErrNoReplicas is surfaced when a shard has no live replicas.
var ErrNoReplicas = errors.New("no live replicas")

// CreateIndexRequest asks the receiving node to create an index.
type CreateIndexRequest struct {
	Meta *index.Metadata
}

// DeleteIndexRequest asks the receiving node to delete an index.
type DeleteIndexRequest struct {
	Name string
}

// GetIndexRequest fetches index metadata.
type GetIndexRequest struct {
	Name string
}

// GetIndexResponse carries the requested metadata.
type GetIndexResponse struct {
	Meta *index.Metadata
}

// ModifyIndexRequest replaces index metadata with a newer version.
type ModifyIndexRequest struct {
	Meta *index.Metadata
}

// ShardsRequest increments or decrements the shard slots of an index.
type ShardsRequest struct {
	Name string
}

// ShardsResponse returns the post-change metadata.
type ShardsResponse struct {
	Meta *index.Metadata
}

// PutDocumentsRequest indexes raw JSON documents. An empty ShardID
// routes at the receiving node; a set ShardID targets its local shard.
type PutDocumentsRequest struct {
	Index   string
	ShardID string
	Docs    [][]byte
}

// PutDocumentsResponse reports accepted documents.
type PutDocumentsResponse struct {
	Count int
}

// DeleteDocumentsRequest removes documents by id.
type DeleteDocumentsRequest struct {
	Index   string
	ShardID string
	IDs     []string
}

// DeleteDocumentsResponse reports accepted deletions.
type DeleteDocumentsResponse struct {
	Count int
}

// CommitRequest commits a shard, or all shards when ShardID is empty.
type CommitRequest struct {
	Index   string
	ShardID string
}

// RollbackRequest rolls back a shard, or all shards when ShardID is empty.
type RollbackRequest struct {
	Index   string
	ShardID string
}

// EmptyResponse is the reply of operations with no payload.
type EmptyResponse struct{}

// SearchRequest executes a search on one shard, or fans out across the
// index when ShardID is empty.
type SearchRequest struct {
	Index   string
	ShardID string
	Request search.Request
}

// SearchResponse carries the (per-shard or merged) result.
type SearchResponse struct {
	Result search.Result
}

// NodesRequest lists cluster members.
type NodesRequest struct{}

// NodesResponse carries the live member set.
type NodesResponse struct {
	Members []cluster.Member
}

// HealthRequest probes liveness or readiness.
type HealthRequest struct{}

// HealthResponse reports the probe outcome.
type HealthResponse struct {
	Healthy bool
}
