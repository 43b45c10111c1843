package node

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/perchsearch/perch/cluster"
	"github.com/perchsearch/perch/index"
	"github.com/perchsearch/perch/metastore"
	"github.com/perchsearch/perch/rpc"
)

// routedOpTimeout bounds operations the service routes on behalf of a
// caller which did not carry its own deadline.
const routedOpTimeout = 30 * time.Second

// Service is the shard-level RPC surface of a Node. Operations with an
// empty shard id are routed to the owning replicas; operations with a
// shard id act on the local replica.
type Service struct {
	node       *Node
	metas      *metastore.Metastore
	membership *cluster.Membership
}

// NewService builds the RPC service of |n|.
func NewService(n *Node, metas *metastore.Metastore, membership *cluster.Membership) *Service {
	return &Service{node: n, metas: metas, membership: membership}
}

// metastoreError maps metastore error kinds onto RPC codes.
func metastoreError(err error) error {
	var me *metastore.Error
	if !errors.As(err, &me) {
		return rpc.WrapError(rpc.CodeInternal, err)
	}
	switch me.Kind {
	case metastore.NotFound:
		return rpc.Errorf(rpc.CodeNotFound, "%v", err)
	case metastore.AlreadyExists:
		return rpc.Errorf(rpc.CodeAlreadyExists, "%v", err)
	case metastore.ParseFailure:
		return rpc.Errorf(rpc.CodeInvalidArgument, "%v", err)
	default:
		return rpc.Errorf(rpc.CodeInternal, "%v", err)
	}
}

// shardError maps shard lookup failures onto RPC codes.
func shardError(err error) error {
	switch {
	case errors.Is(err, index.ErrShardNotHeld):
		return rpc.Errorf(rpc.CodeFailedPrecondition, "%v", err)
	case errors.Is(err, index.ErrIndexExists):
		return rpc.Errorf(rpc.CodeAlreadyExists, "%v", err)
	case errors.Is(err, index.ErrIndexNotFound):
		return rpc.Errorf(rpc.CodeNotFound, "%v", err)
	default:
		return rpc.WrapError(rpc.CodeInternal, err)
	}
}

// CreateIndex persists a new index definition. The metastore watcher
// drives the broadcast and local shard creation.
func (s *Service) CreateIndex(req *rpc.CreateIndexRequest, _ *rpc.EmptyResponse) error {
	if req.Meta == nil {
		return rpc.Errorf(rpc.CodeInvalidArgument, "index metadata is required")
	}
	if err := req.Meta.Validate(); err != nil {
		return rpc.Errorf(rpc.CodeInvalidArgument, "%v", err)
	}
	if err := s.metas.Create(req.Meta); err != nil {
		return metastoreError(err)
	}
	return nil
}

// DeleteIndex removes an index definition.
func (s *Service) DeleteIndex(req *rpc.DeleteIndexRequest, _ *rpc.EmptyResponse) error {
	if req.Name == "" {
		return rpc.Errorf(rpc.CodeInvalidArgument, "index name is required")
	}
	if err := s.metas.Delete(req.Name); err != nil {
		return metastoreError(err)
	}
	return nil
}

// GetIndex fetches an index definition.
func (s *Service) GetIndex(req *rpc.GetIndexRequest, reply *rpc.GetIndexResponse) error {
	var meta, err = s.metas.Get(req.Name)
	if err != nil {
		return metastoreError(err)
	}
	reply.Meta = meta
	return nil
}

// ModifyIndex replaces an index definition with a newer version.
func (s *Service) ModifyIndex(req *rpc.ModifyIndexRequest, _ *rpc.EmptyResponse) error {
	if req.Meta == nil {
		return rpc.Errorf(rpc.CodeInvalidArgument, "index metadata is required")
	}
	if err := req.Meta.Validate(); err != nil {
		return rpc.Errorf(rpc.CodeInvalidArgument, "%v", err)
	}

	var current, err = s.metas.Get(req.Meta.Name)
	if err != nil {
		return metastoreError(err)
	}
	if req.Meta.Version <= current.Version {
		return rpc.Errorf(rpc.CodeFailedPrecondition,
			"index %s version %d is not newer than current %d",
			req.Meta.Name, req.Meta.Version, current.Version)
	}
	if err = s.metas.Put(req.Meta); err != nil {
		return metastoreError(err)
	}
	return nil
}

// IncrementShards appends one shard slot to the index.
func (s *Service) IncrementShards(req *rpc.ShardsRequest, reply *rpc.ShardsResponse) error {
	var meta, err = s.metas.Get(req.Name)
	if err != nil {
		return metastoreError(err)
	}
	meta.AppendShard()
	if err = s.metas.Put(meta); err != nil {
		return metastoreError(err)
	}
	reply.Meta = meta
	return nil
}

// DecrementShards removes the tail shard slot of the index. Documents
// held by the removed slot are lost.
func (s *Service) DecrementShards(req *rpc.ShardsRequest, reply *rpc.ShardsResponse) error {
	var meta, err = s.metas.Get(req.Name)
	if err != nil {
		return metastoreError(err)
	}
	var removed, removeErr = meta.RemoveTailShard()
	if removeErr != nil {
		return rpc.Errorf(rpc.CodeFailedPrecondition, "%v", removeErr)
	}
	log.WithFields(log.Fields{"index": req.Name, "shard": removed.ID}).
		Warn("decrementing shards drops the removed slot's documents")

	if err = s.metas.Put(meta); err != nil {
		return metastoreError(err)
	}
	reply.Meta = meta
	return nil
}

// PutDocuments indexes documents on a local shard, or routes them when
// no shard id is given.
func (s *Service) PutDocuments(req *rpc.PutDocumentsRequest, reply *rpc.PutDocumentsResponse) error {
	if len(req.Docs) == 0 {
		return rpc.Errorf(rpc.CodeInvalidArgument, "no documents given")
	}
	if req.ShardID == "" {
		var ctx, cancel = context.WithTimeout(context.Background(), routedOpTimeout)
		defer cancel()
		var count, err = s.node.Router().PutDocuments(ctx, req.Index, req.Docs)
		reply.Count = count
		return err
	}

	var shard, err = s.node.shards.Get(req.Index, req.ShardID)
	if err != nil {
		return shardError(err)
	}
	if err = shard.PutDocuments(req.Docs); err != nil {
		return rpc.Errorf(rpc.CodeInvalidArgument, "%v", err)
	}
	reply.Count = len(req.Docs)
	return nil
}

// DeleteDocuments removes documents from a local shard, or routes the
// deletions when no shard id is given.
func (s *Service) DeleteDocuments(req *rpc.DeleteDocumentsRequest, reply *rpc.DeleteDocumentsResponse) error {
	if len(req.IDs) == 0 {
		return rpc.Errorf(rpc.CodeInvalidArgument, "no document ids given")
	}
	if req.ShardID == "" {
		var ctx, cancel = context.WithTimeout(context.Background(), routedOpTimeout)
		defer cancel()
		var count, err = s.node.Router().DeleteDocuments(ctx, req.Index, req.IDs)
		reply.Count = count
		return err
	}

	var shard, err = s.node.shards.Get(req.Index, req.ShardID)
	if err != nil {
		return shardError(err)
	}
	if err = shard.DeleteDocuments(req.IDs); err != nil {
		return rpc.WrapError(rpc.CodeInternal, err)
	}
	reply.Count = len(req.IDs)
	return nil
}

// Commit commits a local shard, or every shard when no id is given.
func (s *Service) Commit(req *rpc.CommitRequest, _ *rpc.EmptyResponse) error {
	if req.ShardID == "" {
		var ctx, cancel = context.WithTimeout(context.Background(), routedOpTimeout)
		defer cancel()
		return s.node.Router().Commit(ctx, req.Index)
	}

	var shard, err = s.node.shards.Get(req.Index, req.ShardID)
	if err != nil {
		return shardError(err)
	}
	return rpc.WrapError(rpc.CodeInternal, shard.Commit())
}

// Rollback discards pending writes of a local shard, or of every shard
// when no id is given.
func (s *Service) Rollback(req *rpc.RollbackRequest, _ *rpc.EmptyResponse) error {
	if req.ShardID == "" {
		var ctx, cancel = context.WithTimeout(context.Background(), routedOpTimeout)
		defer cancel()
		return s.node.Router().Rollback(ctx, req.Index)
	}

	var shard, err = s.node.shards.Get(req.Index, req.ShardID)
	if err != nil {
		return shardError(err)
	}
	return rpc.WrapError(rpc.CodeInternal, shard.Rollback())
}

// Search executes a search on a local shard, or fans out across the
// index when no shard id is given.
func (s *Service) Search(req *rpc.SearchRequest, reply *rpc.SearchResponse) error {
	var ctx, cancel = context.WithTimeout(context.Background(), routedOpTimeout)
	defer cancel()

	if req.ShardID == "" {
		var result, err = s.node.Router().Search(ctx, req.Index, req.Request)
		if err != nil {
			return err
		}
		reply.Result = result
		return nil
	}

	var shard, err = s.node.shards.Get(req.Index, req.ShardID)
	if err != nil {
		return shardError(err)
	}
	result, err := shard.Search(ctx, req.Request)
	if err != nil {
		return rpc.Errorf(rpc.CodeInvalidArgument, "%v", err)
	}
	reply.Result = result
	return nil
}

// Nodes lists the live cluster members.
func (s *Service) Nodes(_ *rpc.NodesRequest, reply *rpc.NodesResponse) error {
	reply.Members = s.membership.Members()
	return nil
}

// Liveness reports that the process is serving.
func (s *Service) Liveness(_ *rpc.HealthRequest, reply *rpc.HealthResponse) error {
	reply.Healthy = true
	return nil
}

// Readiness reports whether the node joined gossip and finished its
// initial reconcile.
func (s *Service) Readiness(_ *rpc.HealthRequest, reply *rpc.HealthResponse) error {
	reply.Healthy = s.node.Ready()
	return nil
}
