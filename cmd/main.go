package main

import (
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `securecast - one-to-many TLS line broadcaster

Usage:
  securecast <command> [options]

Commands:
  serve      Start the broadcast server and send each stdin line to every peer
  listen     Connect to a server and print every line it broadcasts
  keygen     Generate a self-signed key store (and optional trust store)
  status     Show the state of a server running on this machine
  send       Broadcast one line through a server running on this machine
  init       Write a default config file
  audit      Show the connection audit trail
  discover   Browse the local network for advertised servers
  version    Print the version
Run 'securecast <command> --help' for more information on a command.
`

func main() {
	code := run(os.Args, os.Stdout, os.Stderr)
	// Wipe any locked buffers still alive before the process exits.
	memguard.Purge()
	os.Exit(code)
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "listen":
		return runListen(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "send":
		return runSend(args[2:], stdout, stderr)
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "audit":
		return runAudit(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "securecast %s\n", Version)
		return 0
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
