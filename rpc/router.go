package rpc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/perchsearch/perch/cluster"
	"github.com/perchsearch/perch/index"
	"github.com/perchsearch/perch/placement"
	"github.com/perchsearch/perch/search"
)

// retryBackoff is the base delay between replica attempts.
const retryBackoff = 25 * time.Millisecond

// MetaSource supplies index definitions to the router.
type MetaSource interface {
	Get(name string) (*index.Metadata, error)
}

// MemberSource supplies the live member set to the router.
type MemberSource interface {
	Members() []cluster.Member
}

// Router resolves index-level operations onto shard replicas: writes
// go to the primary first, reads prefer a random replica, and both
// advance through the replica set on transport failure.
type Router struct {
	metas   MetaSource
	members MemberSource
	client  *Client
}

// NewRouter builds a Router over the node's local caches.
func NewRouter(metas MetaSource, members MemberSource, client *Client) *Router {
	return &Router{metas: metas, members: members, client: client}
}

// ShardForDoc maps a document id onto the owning shard id of |meta|.
func ShardForDoc(meta *index.Metadata, docID string) string {
	var i = int(xxhash.Sum64String(docID) % uint64(meta.NumShards))
	return meta.Shards[i].ID
}

func (r *Router) meta(name string) (*index.Metadata, error) {
	var meta, err = r.metas.Get(name)
	if err != nil {
		return nil, Errorf(CodeNotFound, "index %s: %v", name, err)
	}
	return meta, nil
}

// replicas resolves the current replica set of one shard.
func (r *Router) replicas(meta *index.Metadata, shardID string) ([]cluster.Member, error) {
	var placed = placement.Place(r.members.Members(), []*index.Metadata{meta})
	var set = placed.Replicas(meta.Name, shardID)
	if len(set) == 0 {
		return nil, Errorf(CodeFailedPrecondition, "shard %s/%s: %v", meta.Name, shardID, ErrNoReplicas)
	}
	return set, nil
}

// callShard tries the shard's replicas in |order| until one succeeds
// or a non-retriable error occurs, backing off between attempts.
func (r *Router) callShard(ctx context.Context, replicas []cluster.Member,
	method string, args, reply interface{}) error {

	var lastErr error
	for attempt, replica := range replicas {
		if attempt != 0 {
			select {
			case <-time.After(time.Duration(attempt) * retryBackoff):
			case <-ctx.Done():
				return Errorf(CodeDeadlineExceeded, "calling %s: deadline exceeded", method)
			}
		}

		var addr = replica.Meta.RPCAddr
		if addr == "" {
			addr = replica.Addr
		}
		lastErr = r.client.Call(ctx, addr, method, args, reply)
		if lastErr == nil {
			return nil
		}
		if !Retriable(lastErr) {
			return lastErr
		}
		log.WithFields(log.Fields{"method": method, "replica": addr, "err": lastErr}).
			Debug("replica attempt failed; advancing")
	}
	return WrapError(CodeUnavailable, fmt.Errorf("all replicas failed: %w", lastErr))
}

// writeOrder returns replicas primary-first.
func writeOrder(replicas []cluster.Member) []cluster.Member { return replicas }

// readOrder returns replicas rotated to a random starting point, so
// reads spread across the replica set.
func readOrder(replicas []cluster.Member) []cluster.Member {
	if len(replicas) < 2 {
		return replicas
	}
	var start = rand.Intn(len(replicas))
	var out = make([]cluster.Member, 0, len(replicas))
	out = append(out, replicas[start:]...)
	out = append(out, replicas[:start]...)
	return out
}

// PutDocuments partitions |docs| by owning shard and dispatches one
// write per shard to its primary. Any shard failure fails the whole
// operation; no partial acknowledgement is made.
func (r *Router) PutDocuments(ctx context.Context, indexName string, docs [][]byte) (int, error) {
	var meta, err = r.meta(indexName)
	if err != nil {
		return 0, err
	}

	var byShard = make(map[string][][]byte)
	for _, raw := range docs {
		var doc, parseErr = index.ParseDocument(raw)
		if parseErr != nil {
			return 0, Errorf(CodeInvalidArgument, "%v", parseErr)
		}
		var shardID = ShardForDoc(meta, doc.ID)
		byShard[shardID] = append(byShard[shardID], raw)
	}

	var group, groupCtx = errgroup.WithContext(ctx)
	for shardID, shardDocs := range byShard {
		var shardID, shardDocs = shardID, shardDocs
		group.Go(func() error {
			var replicas, err = r.replicas(meta, shardID)
			if err != nil {
				return err
			}
			var reply PutDocumentsResponse
			return r.callShard(groupCtx, writeOrder(replicas), "PutDocuments",
				&PutDocumentsRequest{Index: indexName, ShardID: shardID, Docs: shardDocs}, &reply)
		})
	}
	if err = group.Wait(); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// DeleteDocuments partitions |ids| by owning shard and dispatches one
// delete per shard to its primary.
func (r *Router) DeleteDocuments(ctx context.Context, indexName string, ids []string) (int, error) {
	var meta, err = r.meta(indexName)
	if err != nil {
		return 0, err
	}

	var byShard = make(map[string][]string)
	for _, id := range ids {
		if id == "" {
			return 0, Errorf(CodeInvalidArgument, "document id must not be empty")
		}
		var shardID = ShardForDoc(meta, id)
		byShard[shardID] = append(byShard[shardID], id)
	}

	var group, groupCtx = errgroup.WithContext(ctx)
	for shardID, shardIDs := range byShard {
		var shardID, shardIDs = shardID, shardIDs
		group.Go(func() error {
			var replicas, err = r.replicas(meta, shardID)
			if err != nil {
				return err
			}
			var reply DeleteDocumentsResponse
			return r.callShard(groupCtx, writeOrder(replicas), "DeleteDocuments",
				&DeleteDocumentsRequest{Index: indexName, ShardID: shardID, IDs: shardIDs}, &reply)
		})
	}
	if err = group.Wait(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Commit commits every shard of the index on its primary.
func (r *Router) Commit(ctx context.Context, indexName string) error {
	return r.eachShard(ctx, indexName, "Commit", func(shardID string) interface{} {
		return &CommitRequest{Index: indexName, ShardID: shardID}
	})
}

// Rollback rolls back every shard of the index on its primary.
func (r *Router) Rollback(ctx context.Context, indexName string) error {
	return r.eachShard(ctx, indexName, "Rollback", func(shardID string) interface{} {
		return &RollbackRequest{Index: indexName, ShardID: shardID}
	})
}

func (r *Router) eachShard(ctx context.Context, indexName, method string,
	makeArgs func(shardID string) interface{}) error {

	var meta, err = r.meta(indexName)
	if err != nil {
		return err
	}

	var group, groupCtx = errgroup.WithContext(ctx)
	for _, shard := range meta.Shards {
		var shardID = shard.ID
		group.Go(func() error {
			var replicas, err = r.replicas(meta, shardID)
			if err != nil {
				return err
			}
			var reply EmptyResponse
			return r.callShard(groupCtx, writeOrder(replicas), method, makeArgs(shardID), &reply)
		})
	}
	return group.Wait()
}

// Search fans out to every shard, preferring a random replica, and
// merges the per-shard results. Strict mode fails on any shard error;
// best-effort mode reports failed shards in the result.
func (r *Router) Search(ctx context.Context, indexName string, req search.Request) (search.Result, error) {
	var meta, err = r.meta(indexName)
	if err != nil {
		return search.Result{}, err
	}
	if err = req.Validate(); err != nil {
		return search.Result{}, Errorf(CodeInvalidArgument, "%v", err)
	}

	var mu sync.Mutex
	var results []search.Result
	var failed []string

	var group, groupCtx = errgroup.WithContext(ctx)
	for _, shard := range meta.Shards {
		var shardID = shard.ID
		group.Go(func() error {
			var replicas, replicasErr = r.replicas(meta, shardID)
			var reply SearchResponse
			var callErr = replicasErr
			if callErr == nil {
				callErr = r.callShard(groupCtx, readOrder(replicas), "Search",
					&SearchRequest{Index: indexName, ShardID: shardID, Request: req}, &reply)
			}

			mu.Lock()
			defer mu.Unlock()
			if callErr != nil {
				if !req.BestEffort {
					return callErr
				}
				failed = append(failed, shardID)
				log.WithFields(log.Fields{"index": indexName, "shard": shardID, "err": callErr}).
					Warn("search shard failed; continuing best-effort")
				return nil
			}
			results = append(results, reply.Result)
			return nil
		})
	}
	if err = group.Wait(); err != nil {
		return search.Result{}, err
	}

	var merged = search.Merge(results, req.From, req.Limit)
	merged.FailedShards = append(merged.FailedShards, failed...)
	return merged, nil
}
