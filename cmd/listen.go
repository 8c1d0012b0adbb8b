package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/config"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/peer"
)

func runListen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath        string
		host              string
		port              int
		truststore        string
		dialTimeout       time.Duration
		disconnectTimeout time.Duration
		logLevel          string
	)
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.securecast/config.toml)")
	fs.StringVar(&host, "host", "", "Server host (default: localhost)")
	fs.IntVar(&port, "port", 0, "Server port (default: 12345)")
	fs.StringVar(&truststore, "truststore", "", "PKCS#12 trust store (default: the key store)")
	fs.DurationVar(&dialTimeout, "dial-timeout", 0, "Connect and handshake timeout (default: 10s)")
	fs.DurationVar(&disconnectTimeout, "disconnect-timeout", 0, "How long a disconnect waits for the receive loop (default: 1s)")
	fs.StringVar(&logLevel, "log-level", "", "Output verbosity: debug, info, warn, error (default: info)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: securecast listen [options]\n\n")
		fmt.Fprintf(stderr, "Connect to a broadcast server and print every line it sends.\n")
		fmt.Fprintf(stderr, "The trust store password is read first. Ctrl+C disconnects.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, ok := loadSettings(configPath, stderr, func(cfg *config.Config) {
		if host != "" {
			cfg.Host = host
		}
		if port != 0 {
			cfg.Port = port
		}
		if truststore != "" {
			cfg.Truststore = truststore
		}
		if dialTimeout != 0 {
			cfg.DialTimeoutMs = int(dialTimeout / time.Millisecond)
		}
		if disconnectTimeout != 0 {
			cfg.DisconnectTimeoutMs = int(disconnectTimeout / time.Millisecond)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
	})
	if !ok {
		return 1
	}

	setupLogging(cfg.LogLevel, stderr)
	sink := newSink(stdout, cfg.LogLevel, "peer")

	sess := peer.New(peer.Options{
		TrustStorePath:    cfg.TrustPath(),
		DialTimeout:       cfg.DialTimeout(),
		DisconnectTimeout: cfg.DisconnectTimeout(),
	}, sink)

	cred, err := readCredential("Trust store password: ", stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx, cfg.Host, cfg.Port, cred); err != nil {
		// Connect already reported the failure through the sink.
		return 1
	}

	select {
	case <-sess.Done():
		// The server closed the stream; the loss was already reported.
		return 1
	case <-ctx.Done():
		fmt.Fprintln(stdout)
		if err := sess.Disconnect(); err != nil {
			// The server went away while we were shutting down.
			return 1
		}
		return 0
	}
}
