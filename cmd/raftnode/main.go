// Command raftnode is a demo binary wiring a relayclient.Connection to
// a raftrelay.Node: it registers with the relay, takes the peer list from
// its config (or, if that is empty, a comma-separated line on stdin),
// reads a newline-delimited message stream from stdin, proposes
// each line to the replicated log, and prints every newly committed
// entry.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/CoCoSol007/border-wars/internal/config"
	"github.com/CoCoSol007/border-wars/raftrelay"
	"github.com/CoCoSol007/border-wars/relayclient"
)

func main() {
	configPath := flag.String("config", "raftnode.toml", "path to TOML config file")
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if err := run(*configPath, logger); err != nil {
		logger.Fatal("raftnode: exiting", "err", err)
	}
}

func run(configPath string, logger *log.Logger) error {
	cfg, err := config.LoadRaftNodeConfig(configPath)
	if err != nil {
		return fmt.Errorf("raftnode: %w", err)
	}

	conn, err := relayclient.New(cfg.RelayClient.Domain, cfg.RelayClient.IdentityPath, logger)
	if err != nil {
		return fmt.Errorf("raftnode: %w", err)
	}

	for {
		conn.Update()
		if _, ok := conn.Identifier(); ok {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	self, _ := conn.Identifier()
	fmt.Printf("Identifier: %s\n", self)

	peers, err := cfg.Raft.ParsedPeers()
	if err != nil {
		return fmt.Errorf("raftnode: %w", err)
	}
	if len(peers) == 0 {
		peers, err = promptPeers()
		if err != nil {
			return fmt.Errorf("raftnode: %w", err)
		}
	}

	node := raftrelay.New(conn, self, peers, raftrelay.Config{
		ElectionTimeoutTicks:   cfg.Raft.ElectionTimeoutTicks,
		HeartbeatIntervalTicks: cfg.Raft.HeartbeatIntervalTicks,
		ReplicationChunkSize:   cfg.Raft.ReplicationChunkSize,
	}, logger)

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case line := <-lines:
			node.Append([]byte(line))
		default:
		}

		conn.Update()
		for _, committed := range node.Update() {
			fmt.Printf("Received message: %s\n", committed)
		}

		time.Sleep(100 * time.Millisecond)
	}
}

func promptPeers() (map[relayclient.ClientID]struct{}, error) {
	var line string
	if _, err := fmt.Scanln(&line); err != nil {
		return nil, fmt.Errorf("read peer list: %w", err)
	}
	peers := make(map[relayclient.ClientID]struct{})
	for _, raw := range strings.Split(strings.TrimSpace(line), ",") {
		id, err := relayclient.ParseClientID(raw)
		if err != nil {
			return nil, fmt.Errorf("parse peer %q: %w", raw, err)
		}
		peers[id] = struct{}{}
	}
	return peers, nil
}

func readLines(out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}
