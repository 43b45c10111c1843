package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/perchsearch/perch/rpc"
)

// clientConfig is shared by every client subcommand.
type clientConfig struct {
	Addr    string        `long:"addr" env:"PERCH_ADDR" default:"127.0.0.1:7301" description:"RPC address of any cluster node"`
	Timeout time.Duration `long:"timeout" env:"PERCH_TIMEOUT" default:"30s" description:"Request deadline"`
}

// call performs one RPC against the configured node.
func (c clientConfig) call(method string, args, reply interface{}) error {
	var client, err = rpc.NewClient()
	if err != nil {
		return err
	}
	defer client.Close()

	var ctx, cancel = context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	return client.Call(ctx, c.Addr, method, args, reply)
}

// printJSON writes |v| as indented JSON on stdout.
func printJSON(v interface{}) error {
	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readAllStdin reads stdin fully.
func readAllStdin() ([]byte, error) {
	var content, err = io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("expected input on stdin")
	}
	return content, nil
}

// readStdinLines reads stdin as non-empty lines.
func readStdinLines() ([][]byte, error) {
	var out [][]byte
	var scanner = bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		var line = scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("expected input on stdin")
	}
	return out, nil
}
