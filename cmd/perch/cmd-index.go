package main

import (
	"encoding/json"
	"fmt"

	"github.com/perchsearch/perch/index"
	"github.com/perchsearch/perch/rpc"
)

// indexDefinition is the JSON accepted by `index create` on stdin.
type indexDefinition struct {
	Schema          index.Schema                    `json:"schema"`
	Analyzers       map[string]index.AnalyzerConfig `json:"analyzers,omitempty"`
	WriterThreads   int                             `json:"writer_threads"`
	WriterHeapBytes int64                           `json:"writer_heap_bytes"`
	NumShards       int                             `json:"num_shards"`
	NumReplicas     int                             `json:"num_replicas"`
}

type cmdIndexCreate struct {
	clientConfig
	Name string `long:"name" required:"true" description:"Index name"`
}

func (c *cmdIndexCreate) Execute(args []string) error {
	var content, err = readAllStdin()
	if err != nil {
		return err
	}
	var def = indexDefinition{
		WriterThreads:   2,
		WriterHeapBytes: 128 << 20,
		NumShards:       1,
		NumReplicas:     1,
	}
	if err = json.Unmarshal(content, &def); err != nil {
		return fmt.Errorf("decoding index definition: %w", err)
	}

	meta, err := index.NewMetadata(c.Name, def.Schema, def.Analyzers,
		def.WriterThreads, def.WriterHeapBytes, def.NumShards, def.NumReplicas)
	if err != nil {
		return err
	}

	if err = c.call("CreateIndex", &rpc.CreateIndexRequest{Meta: meta}, &rpc.EmptyResponse{}); err != nil {
		return err
	}
	return printJSON(meta)
}

type cmdIndexGet struct {
	clientConfig
	Name string `long:"name" required:"true" description:"Index name"`
}

func (c *cmdIndexGet) Execute(args []string) error {
	var reply rpc.GetIndexResponse
	if err := c.call("GetIndex", &rpc.GetIndexRequest{Name: c.Name}, &reply); err != nil {
		return err
	}
	return printJSON(reply.Meta)
}

type cmdIndexModify struct {
	clientConfig
	Name string `long:"name" required:"true" description:"Index name"`
}

func (c *cmdIndexModify) Execute(args []string) error {
	var content, err = readAllStdin()
	if err != nil {
		return err
	}
	var meta index.Metadata
	if err = json.Unmarshal(content, &meta); err != nil {
		return fmt.Errorf("decoding index metadata: %w", err)
	}
	meta.Name = c.Name

	if err = c.call("ModifyIndex", &rpc.ModifyIndexRequest{Meta: &meta}, &rpc.EmptyResponse{}); err != nil {
		return err
	}
	return printJSON(&meta)
}

type cmdIndexDelete struct {
	clientConfig
	Name string `long:"name" required:"true" description:"Index name"`
}

func (c *cmdIndexDelete) Execute(args []string) error {
	return c.call("DeleteIndex", &rpc.DeleteIndexRequest{Name: c.Name}, &rpc.EmptyResponse{})
}

type cmdIndexIncrement struct {
	clientConfig
	Name string `long:"name" required:"true" description:"Index name"`
}

func (c *cmdIndexIncrement) Execute(args []string) error {
	var reply rpc.ShardsResponse
	if err := c.call("IncrementShards", &rpc.ShardsRequest{Name: c.Name}, &reply); err != nil {
		return err
	}
	return printJSON(reply.Meta)
}

type cmdIndexDecrement struct {
	clientConfig
	Name string `long:"name" required:"true" description:"Index name"`
}

func (c *cmdIndexDecrement) Execute(args []string) error {
	var reply rpc.ShardsResponse
	if err := c.call("DecrementShards", &rpc.ShardsRequest{Name: c.Name}, &reply); err != nil {
		return err
	}
	return printJSON(reply.Meta)
}
