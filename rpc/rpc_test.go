package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perchsearch/perch/cluster"
	"github.com/perchsearch/perch/index"
	"github.com/perchsearch/perch/search"
)

func TestErrorCodes(t *testing.T) {
	var err = Errorf(CodeNotFound, "index %s does not exist", "books")
	require.Equal(t, CodeNotFound, CodeOf(err))

	// Case: a round-trip through the RPC layer stringifies the error;
	// the code survives.
	var remote = errors.New("calling Search on 1.2.3.4: " + err.Error())
	require.Equal(t, CodeNotFound, CodeOf(remote))

	// Case: uncoded errors default to internal.
	require.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	require.Equal(t, Code(""), CodeOf(nil))
}

func TestRetriable(t *testing.T) {
	require.True(t, Retriable(Errorf(CodeUnavailable, "down")))
	require.True(t, Retriable(errors.New("dial tcp: connection refused")))

	require.False(t, Retriable(Errorf(CodeInvalidArgument, "bad query")))
	require.False(t, Retriable(Errorf(CodeNotFound, "missing")))
	require.False(t, Retriable(Errorf(CodeInternal, "disk failure")))
}

func TestWrapErrorPreservesCode(t *testing.T) {
	var coded = Errorf(CodeNotFound, "missing")
	require.Equal(t, CodeNotFound, CodeOf(WrapError(CodeUnavailable, coded)))
	require.Equal(t, CodeUnavailable, CodeOf(WrapError(CodeUnavailable, errors.New("plain"))))
	require.NoError(t, WrapError(CodeUnavailable, nil))
}

func routerMeta(t *testing.T, shards int) *index.Metadata {
	t.Helper()
	var meta, err = index.NewMetadata("books",
		index.Schema{Fields: []index.Field{{Name: "title", Type: index.FieldTypeText}}},
		nil, 1, 1<<20, shards, 1)
	require.NoError(t, err)
	return meta
}

func TestShardForDoc(t *testing.T) {
	var meta = routerMeta(t, 4)

	// Deterministic.
	for i := 0; i != 100; i++ {
		require.Equal(t, ShardForDoc(meta, "doc-7"), ShardForDoc(meta, "doc-7"))
	}

	// All shards receive documents, roughly evenly.
	var counts = make(map[string]int)
	for i := 0; i != 1000; i++ {
		counts[ShardForDoc(meta, fmt.Sprintf("doc-%d", i))]++
	}
	require.Len(t, counts, 4)
	for shardID, count := range counts {
		require.Greater(t, count, 150, "shard %s", shardID)
		require.Less(t, count, 350, "shard %s", shardID)
	}
}

func TestReadOrderIsARotation(t *testing.T) {
	var replicas = []cluster.Member{{Addr: "a"}, {Addr: "b"}, {Addr: "c"}}

	for i := 0; i != 20; i++ {
		var order = readOrder(replicas)
		require.Len(t, order, 3)
		// The rotation preserves the cyclic successor relation.
		for j := range order {
			var cur, next = order[j], order[(j+1)%3]
			switch cur.Addr {
			case "a":
				require.Equal(t, "b", next.Addr)
			case "b":
				require.Equal(t, "c", next.Addr)
			case "c":
				require.Equal(t, "a", next.Addr)
			}
		}
	}
}

// stubService answers shard-level RPCs for router tests.
type stubService struct {
	searches chan string
	fail     bool
}

func (s *stubService) Search(req *SearchRequest, reply *SearchResponse) error {
	if s.fail {
		return Errorf(CodeInternal, "stub failure")
	}
	if s.searches != nil {
		s.searches <- req.ShardID
	}
	reply.Result = search.Result{
		Hits:  []search.Hit{{ID: "doc-" + req.ShardID, Score: 1}},
		Count: 1,
	}
	return nil
}

func (s *stubService) PutDocuments(req *PutDocumentsRequest, reply *PutDocumentsResponse) error {
	if s.fail {
		return Errorf(CodeInternal, "stub failure")
	}
	reply.Count = len(req.Docs)
	return nil
}

type staticMetas struct{ meta *index.Metadata }

func (s staticMetas) Get(name string) (*index.Metadata, error) {
	if s.meta != nil && s.meta.Name == name {
		return s.meta, nil
	}
	return nil, fmt.Errorf("index %s not found", name)
}

type staticMembers struct{ members []cluster.Member }

func (s staticMembers) Members() []cluster.Member { return s.members }

func startStub(t *testing.T, stub *stubService) string {
	t.Helper()
	var server, err = NewServer("127.0.0.1:0", stub)
	require.NoError(t, err)

	var ctx, cancel = context.WithCancel(context.Background())
	go server.Serve(ctx)
	t.Cleanup(cancel)
	return server.Addr()
}

func TestRouterSearchFansOutToAllShards(t *testing.T) {
	var meta = routerMeta(t, 3)
	var stub = &stubService{searches: make(chan string, 8)}
	var addr = startStub(t, stub)

	var client, err = NewClient()
	require.NoError(t, err)
	defer client.Close()

	var router = NewRouter(
		staticMetas{meta: meta},
		staticMembers{members: []cluster.Member{
			{Addr: addr, Meta: cluster.MemberMeta{RPCAddr: addr}},
		}},
		client)

	var result search.Result
	result, err = router.Search(context.Background(), "books", search.Request{
		Query: search.QuerySpec{Kind: search.KindAll},
		Limit: 10,
		Count: true,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(3), result.Count)
	require.Len(t, result.Hits, 3)

	close(stub.searches)
	var seen = make(map[string]bool)
	for shardID := range stub.searches {
		seen[shardID] = true
	}
	require.Len(t, seen, 3)
}

func TestRouterFailsOverToNextReplica(t *testing.T) {
	var meta = routerMeta(t, 1)
	var stub = &stubService{}
	var liveAddr = startStub(t, stub)
	var deadAddr = "127.0.0.1:1" // Nothing listens here.

	var client, err = NewClient()
	require.NoError(t, err)
	defer client.Close()

	// Both members claim the shard; dialing the dead one fails and the
	// router advances to the live replica.
	var router = NewRouter(
		staticMetas{meta: meta},
		staticMembers{members: []cluster.Member{
			{Addr: deadAddr, Meta: cluster.MemberMeta{RPCAddr: deadAddr}},
			{Addr: liveAddr, Meta: cluster.MemberMeta{RPCAddr: liveAddr}},
		}},
		client)
	// Two members and num_replicas=1 means only one replica is placed;
	// raise the replica count so both are candidates.
	meta.NumReplicas = 2

	var result, searchErr = router.Search(context.Background(), "books", search.Request{
		Query: search.QuerySpec{Kind: search.KindAll},
		Limit: 10,
	})
	require.NoError(t, searchErr)
	require.Len(t, result.Hits, 1)
}

func TestRouterStrictVersusBestEffort(t *testing.T) {
	var meta = routerMeta(t, 1)
	var stub = &stubService{fail: true}
	var addr = startStub(t, stub)

	var client, err = NewClient()
	require.NoError(t, err)
	defer client.Close()

	var router = NewRouter(
		staticMetas{meta: meta},
		staticMembers{members: []cluster.Member{
			{Addr: addr, Meta: cluster.MemberMeta{RPCAddr: addr}},
		}},
		client)

	// Case: strict mode surfaces the shard failure.
	_, err = router.Search(context.Background(), "books", search.Request{
		Query: search.QuerySpec{Kind: search.KindAll},
		Limit: 10,
	})
	require.Error(t, err)

	// Case: best-effort mode reports the failed shard instead.
	result, bestEffortErr := router.Search(context.Background(), "books", search.Request{
		Query:      search.QuerySpec{Kind: search.KindAll},
		Limit:      10,
		BestEffort: true,
	})
	require.NoError(t, bestEffortErr)
	require.Empty(t, result.Hits)
	require.Equal(t, []string{meta.Shards[0].ID}, result.FailedShards)
}

func TestRouterPutPartitionsByShard(t *testing.T) {
	var meta = routerMeta(t, 2)
	var stub = &stubService{}
	var addr = startStub(t, stub)

	var client, err = NewClient()
	require.NoError(t, err)
	defer client.Close()

	var router = NewRouter(
		staticMetas{meta: meta},
		staticMembers{members: []cluster.Member{
			{Addr: addr, Meta: cluster.MemberMeta{RPCAddr: addr}},
		}},
		client)

	var count int
	count, err = router.PutDocuments(context.Background(), "books", [][]byte{
		[]byte(`{"_id":"1","title":"a"}`),
		[]byte(`{"_id":"2","title":"b"}`),
		[]byte(`{"_id":"3","title":"c"}`),
	})
	require.NoError(t, err)
	require.Equal(t, 3, count)

	// Case: malformed documents are rejected before any dispatch.
	_, err = router.PutDocuments(context.Background(), "books", [][]byte{[]byte(`{`)})
	require.Equal(t, CodeInvalidArgument, CodeOf(err))

	// Case: unknown index.
	_, err = router.PutDocuments(context.Background(), "nope", nil)
	require.Equal(t, CodeNotFound, CodeOf(err))
}

func TestRouterUnknownIndexSearch(t *testing.T) {
	var client, err = NewClient()
	require.NoError(t, err)
	defer client.Close()

	var router = NewRouter(staticMetas{}, staticMembers{}, client)
	_, err = router.Search(context.Background(), "nope", search.Request{
		Query: search.QuerySpec{Kind: search.KindAll}, Limit: 1})
	require.Equal(t, CodeNotFound, CodeOf(err))
}

func TestCallHonorsDeadline(t *testing.T) {
	var client, err = NewClient()
	require.NoError(t, err)
	defer client.Close()

	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// 192.0.2.0/24 is TEST-NET; dialing it hangs until the deadline.
	err = client.Call(ctx, "192.0.2.1:9999", "Search", &SearchRequest{}, &SearchResponse{})
	require.Error(t, err)
}
