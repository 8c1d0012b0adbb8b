package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/mdns"
)

// discover is replaced in tests.
var discover = mdns.Discover

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		timeout time.Duration
		asJSON  bool
	)
	fs.DurationVar(&timeout, "timeout", 3*time.Second, "How long to browse")
	fs.BoolVar(&asJSON, "json", false, "Print servers as JSON")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: securecast discover [options]\n\nBrowse the local network for servers started with --mdns.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if timeout <= 0 {
		fmt.Fprintln(stderr, "Error: --timeout must be positive")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	servers, err := discover(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if servers == nil {
			servers = []mdns.DiscoveredServer{}
		}
		if err := enc.Encode(servers); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if len(servers) == 0 {
		fmt.Fprintln(stdout, "No servers found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tVERSION\tFINGERPRINT")
	for _, s := range servers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Addr(), dash(s.Version), dash(s.Fingerprint))
	}
	w.Flush()
	return 0
}
