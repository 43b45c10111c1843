package main

import (
	"encoding/json"
	"fmt"

	"github.com/perchsearch/perch/rpc"
	"github.com/perchsearch/perch/search"
)

type cmdSearch struct {
	clientConfig
	Index string `long:"index" required:"true" description:"Index name"`
	Shard string `long:"shard" description:"Restrict the search to one shard"`
}

func (c *cmdSearch) Execute(args []string) error {
	var content, err = readAllStdin()
	if err != nil {
		return err
	}
	var req search.Request
	if err = json.Unmarshal(content, &req); err != nil {
		return fmt.Errorf("decoding search request: %w", err)
	}

	var reply rpc.SearchResponse
	if err = c.call("Search", &rpc.SearchRequest{
		Index:   c.Index,
		ShardID: c.Shard,
		Request: req,
	}, &reply); err != nil {
		return err
	}
	return printJSON(reply.Result)
}
