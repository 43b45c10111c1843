package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	gorpc "net/rpc"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var rpcConnections = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "perch_rpc_connections_total",
	Help: "Accepted RPC connections.",
})

func init() {
	prometheus.MustRegister(rpcConnections)
}

// ServiceName is the registered name of the node RPC service.
const ServiceName = "Perch"

// Server serves msgpack RPC over TCP.
type Server struct {
	listener net.Listener
	server   *gorpc.Server
}

// NewServer binds |addr| and registers |service| under ServiceName.
func NewServer(addr string, service interface{}) (*Server, error) {
	var listener, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding RPC listener on %s: %w", addr, err)
	}

	var server = gorpc.NewServer()
	if err = server.RegisterName(ServiceName, service); err != nil {
		listener.Close()
		return nil, fmt.Errorf("registering RPC service: %w", err)
	}

	log.WithField("addr", listener.Addr().String()).Info("RPC server listening")
	return &Server{listener: listener, server: server}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve accepts connections until the context is cancelled or the
// listener closes. Each connection is served on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		var conn, err = s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting RPC connection: %w", err)
		}
		rpcConnections.Inc()

		go s.server.ServeCodec(msgpackrpc.NewCodec(true, true, conn))
	}
}

// Close stops the listener.
func (s *Server) Close() error { return s.listener.Close() }
