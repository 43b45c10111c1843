package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "start", "Start a node", `
Start a node: join the cluster (or start an isolated one), serve the
binary RPC and HTTP APIs, and host the shards placement assigns here,
until signaled to exit (SIGINT, SIGTERM or SIGQUIT). On shutdown the
HTTP server, the RPC server and the node loop stop together, and the
node loop closes the shard writers; the node then leaves gossip and
closes the metastore, in that order.
`, &cmdStart{})

	index, err := parser.Command.AddCommand("index", "Manage index definitions", "", &struct{}{})
	must(err)
	addCmd(index, "create", "Create an index", `
Create an index from a JSON definition read from stdin:
{"schema":{...},"analyzers":{...},"num_shards":N,"num_replicas":N}.
`, &cmdIndexCreate{})
	addCmd(index, "get", "Show an index definition", `
Print the metadata of an index as JSON.
`, &cmdIndexGet{})
	addCmd(index, "modify", "Modify an index", `
Replace an index definition with a newer version read from stdin.
`, &cmdIndexModify{})
	addCmd(index, "delete", "Delete an index", `
Delete an index definition and, eventually, its shard data cluster-wide.
`, &cmdIndexDelete{})
	addCmd(index, "increment-shards", "Append a shard slot", `
Append one shard slot at the tail of the index.
`, &cmdIndexIncrement{})
	addCmd(index, "decrement-shards", "Remove the tail shard slot", `
Remove the tail shard slot of the index. Documents held by the removed
slot are dropped.
`, &cmdIndexDecrement{})

	docs, err := parser.Command.AddCommand("docs", "Write and commit documents", "", &struct{}{})
	must(err)
	addCmd(docs, "put", "Index documents", `
Index documents read from stdin as NDJSON, one {"_id":...} object per line.
`, &cmdDocsPut{})
	addCmd(docs, "delete", "Delete documents", `
Delete documents whose ids are read from stdin, one id per line.
`, &cmdDocsDelete{})
	addCmd(docs, "commit", "Commit pending writes", `
Commit pending writes of every shard of the index.
`, &cmdDocsCommit{})
	addCmd(docs, "rollback", "Discard pending writes", `
Discard pending writes of every shard of the index.
`, &cmdDocsRollback{})

	addCmd(parser, "search", "Search an index", `
Execute a search request read from stdin against an index:
{"query":{"kind":...,"options":{...}},"from":0,"limit":10}.
`, &cmdSearch{})

	cluster, err := parser.Command.AddCommand("cluster", "Inspect the cluster", "", &struct{}{})
	must(err)
	addCmd(cluster, "nodes", "List cluster members", `
List the live cluster members as seen by the addressed node.
`, &cmdClusterNodes{})
	addCmd(cluster, "health", "Probe a node", `
Probe the liveness and readiness of the addressed node.
`, &cmdClusterHealth{})

	if _, err = parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type addable interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}

func addCmd(to addable, name, short, long string, cmd interface{}) {
	var _, err = to.AddCommand(name, short, long, cmd)
	must(err)
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
