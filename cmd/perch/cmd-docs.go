package main

import (
	"github.com/perchsearch/perch/rpc"
)

type cmdDocsPut struct {
	clientConfig
	Index string `long:"index" required:"true" description:"Index name"`
}

func (c *cmdDocsPut) Execute(args []string) error {
	var docs, err = readStdinLines()
	if err != nil {
		return err
	}

	var reply rpc.PutDocumentsResponse
	if err = c.call("PutDocuments", &rpc.PutDocumentsRequest{
		Index: c.Index,
		Docs:  docs,
	}, &reply); err != nil {
		return err
	}
	return printJSON(map[string]int{"count": reply.Count})
}

type cmdDocsDelete struct {
	clientConfig
	Index string `long:"index" required:"true" description:"Index name"`
}

func (c *cmdDocsDelete) Execute(args []string) error {
	var lines, err = readStdinLines()
	if err != nil {
		return err
	}
	var ids = make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, string(line))
	}

	var reply rpc.DeleteDocumentsResponse
	if err = c.call("DeleteDocuments", &rpc.DeleteDocumentsRequest{
		Index: c.Index,
		IDs:   ids,
	}, &reply); err != nil {
		return err
	}
	return printJSON(map[string]int{"count": reply.Count})
}

type cmdDocsCommit struct {
	clientConfig
	Index string `long:"index" required:"true" description:"Index name"`
}

func (c *cmdDocsCommit) Execute(args []string) error {
	return c.call("Commit", &rpc.CommitRequest{Index: c.Index}, &rpc.EmptyResponse{})
}

type cmdDocsRollback struct {
	clientConfig
	Index string `long:"index" required:"true" description:"Index name"`
}

func (c *cmdDocsRollback) Execute(args []string) error {
	return c.call("Rollback", &rpc.RollbackRequest{Index: c.Index}, &rpc.EmptyResponse{})
}
