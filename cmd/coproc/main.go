// Package main provides coproc, the co-processor firmware loop: it
// answers name-based primitive calls over a unix-socket line
// transport, one call in flight at a time.
//
// Usage:
//
//	coproc [-c config]
//
// The socket path comes from the board config (coproc_socket).
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/boardcore/internal/board"
	"github.com/calvinalkan/boardcore/internal/hw"
	"github.com/calvinalkan/boardcore/internal/rpc"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := flag.NewFlagSet("coproc", flag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", "", "Use specified config `file`")

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	cfg, err := board.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	table := rpc.NewTable(hw.NewSimPins(), hw.NewWallClock())

	if err := os.MkdirAll(filepath.Dir(cfg.CoprocSocket), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	// A stale socket from a crashed run blocks the listener.
	_ = os.Remove(cfg.CoprocSocket)

	ln, err := net.Listen("unix", cfg.CoprocSocket)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		_ = ln.Close()
	}()

	fmt.Println("coproc listening on", cfg.CoprocSocket)

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by the signal handler.
			_ = os.Remove(cfg.CoprocSocket)

			return 0
		}

		// Calls are serialized: one connection served to completion
		// before the next accept.
		_ = table.Serve(conn, conn)
		_ = conn.Close()
	}
}
