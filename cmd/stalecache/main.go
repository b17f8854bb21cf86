// Stalecache is a command-line front end for a stale-while-revalidate
// response cache: it fetches URLs through the cache, administers the store
// and serves the admin API.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

const usage = `usage: stalecache [flags] <command> [args]

commands:
  get <url>            fetch url through the cache
  flush [kind]         delete every row, or the rows of kind
  evict [threshold]    delete rows expiring before now+threshold (default 0)
  invalidate <url>     expire the row of url
  stats                print per-kind statistics
  serve                run the evictor and the admin HTTP server

flags:
`

func main() {
	configPath := flag.String("config", "", "path to config file (defaults are used when empty)")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println("stalecache", version)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, *debug, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
