package rpc

import (
	"context"
	"fmt"
	"net"
	gorpc "net/rpc"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	log "github.com/sirupsen/logrus"
)

const (
	// dialTimeout bounds connection establishment to a peer.
	dialTimeout = 3 * time.Second
	// pooledConnections caps the number of peers with a live pooled
	// connection; least-recently-used peers are evicted and closed.
	pooledConnections = 64
)

// Client maintains pooled msgpack RPC connections to peer nodes.
type Client struct {
	mu   sync.Mutex
	pool *lru.Cache[string, *gorpc.Client]
}

// NewClient returns a Client with an empty connection pool.
func NewClient() (*Client, error) {
	var pool, err = lru.NewWithEvict[string, *gorpc.Client](pooledConnections,
		func(addr string, conn *gorpc.Client) {
			if closeErr := conn.Close(); closeErr != nil {
				log.WithFields(log.Fields{"addr": addr, "err": closeErr}).
					Debug("closing evicted RPC connection")
			}
		})
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	return &Client{pool: pool}, nil
}

// conn returns a pooled connection to |addr|, dialing if needed within
// the lesser of the |ctx| deadline and dialTimeout.
func (c *Client) conn(ctx context.Context, addr string) (*gorpc.Client, error) {
	c.mu.Lock()
	if conn, ok := c.pool.Get(addr); ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	var netConn, err = (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	var conn = gorpc.NewClientWithCodec(msgpackrpc.NewCodec(true, true, netConn))

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent dial may have won; keep the pooled one.
	if existing, ok := c.pool.Get(addr); ok {
		go conn.Close()
		return existing, nil
	}
	c.pool.Add(addr, conn)
	return conn, nil
}

// drop discards the pooled connection of |addr| after a failure.
func (c *Client) drop(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool.Remove(addr)
}

// Call invokes |method| on the node at |addr|, honoring the context
// deadline. On expiry the call returns CodeDeadlineExceeded while the
// remote continues to completion.
func (c *Client) Call(ctx context.Context, addr, method string, args, reply interface{}) error {
	var conn, err = c.conn(ctx, addr)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Errorf(CodeDeadlineExceeded, "calling %s on %s: deadline exceeded", method, addr)
		}
		return err
	}

	var call = conn.Go(ServiceName+"."+method, args, reply, make(chan *gorpc.Call, 1))
	select {
	case <-ctx.Done():
		c.drop(addr)
		if ctx.Err() == context.DeadlineExceeded {
			return Errorf(CodeDeadlineExceeded, "calling %s on %s: deadline exceeded", method, addr)
		}
		return ctx.Err()
	case done := <-call.Done:
		if done.Error != nil {
			if done.Error == gorpc.ErrShutdown {
				c.drop(addr)
			}
			return fmt.Errorf("calling %s on %s: %w", method, addr, done.Error)
		}
		return nil
	}
}

// Close closes every pooled connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool.Purge()
}
