// Package main is the reference entrypoint wiring every consensus
// component (C1-C10) into a single running process with the
// teacher's in-memory store (domain/consensus/database/store.MemStore)
// standing in for an external storage engine. It has no network
// transport: per spec's Non-goals, peer discovery and wire protocol
// are out of scope, so this binary runs as a lone miner/validator,
// exercising the full append/validate/reorg/vote/mempool machinery
// against itself.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kaspanet/hybridchain/config"
	"github.com/kaspanet/hybridchain/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Println("hybridnoded")
		return nil
	}

	logger.InitLogRotators(
		filepath.Join(cfg.LogDir, "hybridnoded.log"),
		filepath.Join(cfg.LogDir, "hybridnoded_err.log"),
	)
	logLevel := "info"
	if cfg.Verbose {
		logLevel = "debug"
	}
	logger.SetLogLevels(logLevel)

	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	n.start()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	n.stop()
	return nil
}
