// Command mpld is the multi-process log collector: it supervises one
// child command, captures its stdout/stderr plus any structured log
// records its descendants send over the stream and datagram sockets, and
// writes them through a pluggable framing sink.
//
// Usage:
//
//	mpld [options] -- <command> [args...]
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"plugin"

	"github.com/ianremillard/mpld/internal/config"
	"github.com/ianremillard/mpld/internal/server"
)

func main() {
	fs := flag.NewFlagSet("mpld", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: mpld [options] -- <command> [args...]")
		fs.PrintDefaults()
	}

	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Each required plugin is expected to call framing.Register from its
	// own init(), the Go analogue of the dynamic class lookup spec.md
	// describes for languages with runtime symbol resolution; plugin.Open
	// running that init is the entire contract, so no further symbol
	// lookup happens here.
	for _, path := range cfg.Require {
		if _, err := plugin.Open(path); err != nil {
			log.Fatalf("mpld: loading plugin %s: %v", path, err)
		}
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("mpld: %v", err)
	}

	code, err := srv.Run()
	if err != nil {
		log.Fatalf("mpld: %v", err)
	}

	os.Exit(code)
}
