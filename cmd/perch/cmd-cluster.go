package main

import (
	"github.com/perchsearch/perch/rpc"
)

type cmdClusterNodes struct {
	clientConfig
}

func (c *cmdClusterNodes) Execute(args []string) error {
	var reply rpc.NodesResponse
	if err := c.call("Nodes", &rpc.NodesRequest{}, &reply); err != nil {
		return err
	}
	return printJSON(reply.Members)
}

type cmdClusterHealth struct {
	clientConfig
}

func (c *cmdClusterHealth) Execute(args []string) error {
	var liveness, readiness rpc.HealthResponse
	if err := c.call("Liveness", &rpc.HealthRequest{}, &liveness); err != nil {
		return err
	}
	if err := c.call("Readiness", &rpc.HealthRequest{}, &readiness); err != nil {
		return err
	}
	return printJSON(map[string]bool{
		"alive": liveness.Healthy,
		"ready": readiness.Healthy,
	})
}
