// cmd/forestfs/main.go
//
// forestfs - interactive shell over a forest filesystem image.
//
// Usage:
//
//	forestfs [forest-file]
//
// If no file is given, opens an in-memory forest. Use .help for
// available commands.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"forestfs/pkg/cli"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [forest-file]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	path := ":memory:"
	if flag.NArg() > 0 {
		path = flag.Arg(0)
	}

	log.Printf("forestfs: opening %s", path)
	repl, err := cli.NewREPL(path, os.Stdout, os.Stderr)
	if err != nil {
		log.Fatalf("forestfs: %v", err)
	}
	defer func() {
		if err := repl.Close(); err != nil {
			log.Printf("forestfs: close: %v", err)
		}
		log.Printf("forestfs: closed %s", path)
	}()

	repl.Run()
}
