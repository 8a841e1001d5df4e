// Command raftline runs a single node of a Raft-replicated key-value
// store. In its default (harness) mode it speaks line-delimited JSON over
// stdin/stdout and waits for a raft_init message to learn its identity and
// peers. Passing -cluster-config switches it into standalone TCP mode for
// local clusters and the containerized end-to-end tests, dialing peers
// directly instead of relying on an external harness to route frames.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nlarsen/raftline/internal/raft"
)

func main() {
	var (
		clusterConfigPath = flag.String("cluster-config", "", "path to a YAML cluster manifest; enables standalone TCP mode instead of the stdin/stdout harness")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

	if *clusterConfigPath == "" {
		runHarnessMode(logger)
		return
	}
	runStandaloneMode(logger, *clusterConfigPath)
}

// runHarnessMode is the in-scope deployment described by spec section 6:
// frames in on stdin, frames out on stdout, identity learned from
// raft_init.
func runHarnessMode(logger *log.Logger) {
	transport := raft.NewLineTransport("", os.Stdin, os.Stdout, logger)
	node := raft.NewNode(transport, raft.SystemClock, logger)

	go waitForSignalAndShutdown(node, logger)

	if err := node.Run(); err != nil {
		logger.Fatalf("raftline: %v", err)
	}
}

// runStandaloneMode wires a TCPTransport from a YAML cluster manifest and
// initializes the node directly, skipping the raft_init handshake.
func runStandaloneMode(logger *log.Logger, path string) {
	cfg, err := raft.LoadClusterConfig(path)
	if err != nil {
		logger.Fatalf("raftline: %v", err)
	}

	transport, err := raft.NewTCPTransport(cfg.Node.ID, cfg.Node.Address, cfg.PeerAddresses(), logger)
	if err != nil {
		logger.Fatalf("raftline: %v", err)
	}

	node := raft.NewNode(transport, raft.SystemClock, logger)
	if err := node.InitStandalone(cfg.Node.ID, cfg.NodeIDs()); err != nil {
		logger.Fatalf("raftline: %v", err)
	}

	go waitForSignalAndShutdown(node, logger)

	logger.Printf("raftline: node %s listening on %s", cfg.Node.ID, cfg.Node.Address)
	if err := node.Run(); err != nil {
		logger.Fatalf("raftline: %v", err)
	}
}

func waitForSignalAndShutdown(node *raft.Node, logger *log.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Println("raftline: shutting down")
	node.Shutdown()
}
