package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/perchsearch/perch/cluster"
	"github.com/perchsearch/perch/metastore"
	"github.com/perchsearch/perch/node"
	"github.com/perchsearch/perch/rest"
	"github.com/perchsearch/perch/rpc"
	"github.com/perchsearch/perch/signals"
)

type cmdStart struct {
	Node struct {
		BindAddr      string `long:"bind-addr" env:"BIND_ADDR" default:"0.0.0.0" description:"Gossip bind address"`
		BindPort      int    `long:"bind-port" env:"BIND_PORT" default:"7300" description:"Gossip bind port"`
		AdvertiseAddr string `long:"advertise-addr" env:"ADVERTISE_ADDR" description:"Address advertised to peers; defaults to the bind address"`
		AdvertisePort int    `long:"advertise-port" env:"ADVERTISE_PORT" description:"Port advertised to peers; defaults to the bind port"`
		Seed          string `long:"seed" env:"SEED" description:"Gossip address of an existing member; empty starts an isolated cluster"`
		RPCPort       int    `long:"rpc-port" env:"RPC_PORT" default:"7301" description:"Binary RPC port"`
		HTTPPort      int    `long:"http-port" env:"HTTP_PORT" default:"7302" description:"HTTP API port"`
		DataDir       string `long:"data-dir" env:"DATA_DIR" default:"./data" description:"Directory holding index metadata and shard data"`

		ReleaseGrace  time.Duration `long:"release-grace" env:"RELEASE_GRACE" default:"1m" description:"Retention of released shard data before removal"`
		ProbeInterval time.Duration `long:"probe-interval" env:"PROBE_INTERVAL" default:"1s" description:"Gossip failure-detector probe interval"`
	} `group:"node" namespace:"node" env-namespace:"NODE"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging format"`
	} `group:"log" namespace:"log" env-namespace:"LOG"`
}

func (c *cmdStart) Execute(args []string) error {
	initLogging(c.Log.Level, c.Log.Format)

	var advertiseAddr = c.Node.AdvertiseAddr
	if advertiseAddr == "" {
		advertiseAddr = c.Node.BindAddr
	}
	// An unspecified bind address cannot be advertised; fall back to a
	// loopback-reachable default so single-host setups work.
	if advertiseAddr == "0.0.0.0" || advertiseAddr == "::" {
		advertiseAddr = "127.0.0.1"
	}
	var advertisePort = c.Node.AdvertisePort
	if advertisePort == 0 {
		advertisePort = c.Node.BindPort
	}

	var rpcBind = net.JoinHostPort(c.Node.BindAddr, strconv.Itoa(c.Node.RPCPort))
	var rpcAdvertise = net.JoinHostPort(advertiseAddr, strconv.Itoa(c.Node.RPCPort))
	var httpBind = net.JoinHostPort(c.Node.BindAddr, strconv.Itoa(c.Node.HTTPPort))
	var httpAdvertise = net.JoinHostPort(advertiseAddr, strconv.Itoa(c.Node.HTTPPort))

	var metas, err = metastore.New(c.Node.DataDir)
	if err != nil {
		return fmt.Errorf("starting metastore: %w", err)
	}

	var seeds []string
	if c.Node.Seed != "" {
		seeds = append(seeds, c.Node.Seed)
	}
	membership, err := cluster.NewMembership(cluster.Config{
		BindAddr:      c.Node.BindAddr,
		BindPort:      c.Node.BindPort,
		AdvertiseAddr: advertiseAddr,
		AdvertisePort: advertisePort,
		RPCAddr:       rpcAdvertise,
		HTTPAddr:      httpAdvertise,
		Seeds:         seeds,
		ProbeInterval: c.Node.ProbeInterval,
	})
	if err != nil {
		return fmt.Errorf("starting membership: %w", err)
	}

	client, err := rpc.NewClient()
	if err != nil {
		return err
	}

	n, err := node.New(node.Config{ReleaseGrace: c.Node.ReleaseGrace}, metas, membership, client)
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	var service = node.NewService(n, metas, membership)

	rpcServer, err := rpc.NewServer(rpcBind, service)
	if err != nil {
		return err
	}
	var httpServer = rest.NewServer(httpBind, service)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var group, groupCtx = errgroup.WithContext(ctx)

	group.Go(func() error { return httpServer.Serve(groupCtx) })
	group.Go(func() error { return rpcServer.Serve(groupCtx) })
	group.Go(func() error { return n.Run(groupCtx) })

	var stop = signals.Watch()
	group.Go(func() error {
		select {
		case <-stop:
			cancel()
		case <-groupCtx.Done():
		}
		return nil
	})

	log.WithFields(log.Fields{
		"self": membership.Self().Addr,
		"rpc":  rpcAdvertise,
		"http": httpAdvertise,
		"data": c.Node.DataDir,
	}).Info("node started")

	// Wait for HTTP, RPC, and the node loop to drain, then depart
	// gossip and stop the metastore.
	var serveErr = group.Wait()
	client.Close()
	if err = membership.Leave(5 * time.Second); err != nil {
		log.WithField("err", err).Warn("graceful gossip departure failed")
	}
	if err = metas.Close(); err != nil {
		log.WithField("err", err).Warn("closing metastore failed")
	}

	if serveErr != nil {
		return serveErr
	}
	log.Info("node stopped")
	return nil
}

func initLogging(level, format string) {
	var parsed, err = log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)

	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
