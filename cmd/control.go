package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/config"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/ipc"
)

// controlClient resolves the control socket from --socket or the config
// file. Errors are printed to stderr.
func controlClient(configPath, socket string, stderr io.Writer) (*ipc.Client, bool) {
	cfg, ok := loadSettings(configPath, stderr, func(cfg *config.Config) {
		if socket != "" {
			cfg.ControlSocket = socket
		}
	})
	if !ok {
		return nil, false
	}
	if cfg.ControlSocket == "" {
		fmt.Fprintln(stderr, "Error: no control socket configured (set control_socket or pass --socket)")
		return nil, false
	}
	return ipc.NewClient(cfg.ControlSocket), true
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, socket string
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.securecast/config.toml)")
	fs.StringVar(&socket, "socket", "", "Control socket of the running server (default: control_socket from config)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: securecast status [options]\n\nShow the state of a server running on this machine.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	client, ok := controlClient(configPath, socket, stderr)
	if !ok {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := client.Status(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "State:       %s\n", st.State)
	fmt.Fprintf(stdout, "Port:        %d\n", st.Port)
	fmt.Fprintf(stdout, "Clients:     %d\n", st.Clients)
	fmt.Fprintf(stdout, "Fingerprint: %s\n", st.Fingerprint)
	return 0
}

func runSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, socket string
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.securecast/config.toml)")
	fs.StringVar(&socket, "socket", "", "Control socket of the running server (default: control_socket from config)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: securecast send [options] <line...>\n\nBroadcast one line through a server running on this machine.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	line := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(line) == "" {
		fs.Usage()
		return 1
	}

	client, ok := controlClient(configPath, socket, stderr)
	if !ok {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	n, err := client.Broadcast(ctx, line)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Delivered to %d peer(s)\n", n)
	return 0
}
