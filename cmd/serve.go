package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/config"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/ipc"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/mdns"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/server"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/storage"
)

// auditDrainTimeout is the minimum wait for peer handlers on stop while an
// audit database is open, so their disconnect rows land before it closes.
const auditDrainTimeout = 2 * time.Second

func stopDrain(cfg *config.Config) time.Duration {
	d := cfg.DrainTimeout()
	if cfg.AuditDB != "" && d < auditDrainTimeout {
		return auditDrainTimeout
	}
	return d
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath       string
		bindHost         string
		port             int
		keystore         string
		handshakeTimeout time.Duration
		writeTimeout     time.Duration
		drainTimeout     time.Duration
		auditDB          string
		auditMaxRows     int
		mdnsEnabled      bool
		mdnsName         string
		showQR           bool
		logLevel         string
		controlSocket    string
	)
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.securecast/config.toml)")
	fs.StringVar(&bindHost, "bind", "", "Interface to listen on (default: all interfaces)")
	fs.IntVar(&port, "port", 0, "TCP port to listen on; 0 with --port picks a free port (default: 12345)")
	fs.StringVar(&keystore, "keystore", "", "PKCS#12 key store with the server identity (default: server.p12)")
	fs.DurationVar(&handshakeTimeout, "handshake-timeout", 0, "Per-peer TLS handshake timeout (default: 10s)")
	fs.DurationVar(&writeTimeout, "write-timeout", 0, "Per-peer write timeout during a broadcast (default: 10s)")
	fs.DurationVar(&drainTimeout, "drain-timeout", 0, "Wait up to this long for peer handlers on stop (default: 0, no wait; at least 2s with an audit database)")
	fs.StringVar(&auditDB, "audit-db", "", "SQLite connection audit database (default: disabled)")
	fs.IntVar(&auditMaxRows, "audit-max-rows", 0, "Maximum audit rows to keep (default: 10000)")
	fs.BoolVar(&mdnsEnabled, "mdns", false, "Advertise the server on the local network")
	fs.StringVar(&mdnsName, "mdns-name", "", "Advertised instance name (default: hostname)")
	fs.BoolVar(&showQR, "qr", false, "Show the certificate fingerprint as a QR code")
	fs.StringVar(&logLevel, "log-level", "", "Output verbosity: debug, info, warn, error (default: info)")
	fs.StringVar(&controlSocket, "control-socket", "", "Local socket for status and send (default: disabled)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: securecast serve [options]\n\n")
		fmt.Fprintf(stderr, "Start the broadcast server. Every line read from stdin is sent to all\n")
		fmt.Fprintf(stderr, "connected peers. The key store password is read first.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	set := explicitFlags(fs)

	cfg, ok := loadSettings(configPath, stderr, func(cfg *config.Config) {
		if set["bind"] {
			cfg.BindHost = bindHost
		}
		if port != 0 {
			cfg.Port = port
		}
		if keystore != "" {
			cfg.Keystore = keystore
		}
		if handshakeTimeout != 0 {
			cfg.HandshakeTimeoutMs = int(handshakeTimeout / time.Millisecond)
		}
		if writeTimeout != 0 {
			cfg.WriteTimeoutMs = int(writeTimeout / time.Millisecond)
		}
		if set["drain-timeout"] {
			cfg.DrainTimeoutMs = int(drainTimeout / time.Millisecond)
		}
		if set["audit-db"] {
			cfg.AuditDB = auditDB
		}
		if auditMaxRows != 0 {
			cfg.AuditMaxRows = auditMaxRows
		}
		if set["mdns"] {
			cfg.MdnsEnabled = mdnsEnabled
		}
		if mdnsName != "" {
			cfg.MdnsName = mdnsName
		}
		if set["qr"] {
			cfg.QR = showQR
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if set["control-socket"] {
			cfg.ControlSocket = controlSocket
		}
	})
	if !ok {
		return 1
	}
	// An explicit --port 0 survives defaults and asks for a free port.
	if set["port"] {
		cfg.Port = port
	}

	setupLogging(cfg.LogLevel, stderr)
	sink := newSink(stdout, cfg.LogLevel, "server")

	srv := server.New(server.Options{
		BindHost:         cfg.BindHost,
		Port:             cfg.Port,
		KeystorePath:     cfg.Keystore,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		WriteTimeout:     cfg.WriteTimeout(),
		DrainTimeout:     stopDrain(cfg),
	}, sink)

	if cfg.AuditDB != "" {
		store, err := storage.NewSQLiteStore(cfg.AuditDB)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer store.Close()
		if err := store.ProbeConnectionAuditWrite(); err != nil {
			fmt.Fprintf(stderr, "Error: connection audit database is not writable: %v\n", err)
			return 1
		}
		srv.SetAuditor(server.NewAuditStoreAdapter(store, cfg.AuditMaxRows))
	}

	cred, err := readCredential("Key store password: ", stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := srv.Start(cred); err != nil {
		// Start already reported the failure through the sink.
		return 1
	}

	if cfg.QR {
		displayFingerprintQR(stdout, srv.Fingerprint(), srv.Addr().String())
	} else {
		fmt.Fprintf(stdout, "Certificate fingerprint (SHA-256): %s\n", srv.Fingerprint())
	}

	if cfg.MdnsEnabled {
		adv := mdns.NewAdvertiser(mdns.Config{
			Port:        srv.Port(),
			Fingerprint: srv.Fingerprint(),
			Name:        cfg.MdnsName,
		})
		if err := adv.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: mDNS advertisement failed: %v\n", err)
		} else {
			defer adv.Stop()
			fmt.Fprintf(stdout, "Advertising %s on the local network\n", mdns.ServiceType)
		}
	}

	if cfg.ControlSocket != "" {
		ctl := ipc.NewSocketServer(cfg.ControlSocket, ipc.NewHandler(srv), log.Default())
		if err := ctl.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: control socket unavailable: %v\n", err)
		} else {
			defer ctl.Stop()
			fmt.Fprintf(stdout, "Control socket: %s\n", ctl.Path())
		}
	}

	fmt.Fprintln(stdout, "Type a line and press Enter to broadcast it. Ctrl+D or Ctrl+C stops the server.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)
	lines := readLines(stdin, done)

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			srv.Broadcast(line)
		case sig := <-sigCh:
			fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
			break loop
		}
	}

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// lineReader is the part of *bufio.Reader that readLines needs.
type lineReader interface {
	ReadString(delim byte) (string, error)
}

// readLines delivers each line from r without its line ending. The
// channel is closed at EOF or on a read error. A goroutine blocked in
// ReadString outlives done until the next line or EOF arrives.
func readLines(r lineReader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := r.ReadString('\n')
			if line != "" || err == nil {
				select {
				case lines <- strings.TrimRight(line, "\r\n"):
				case <-done:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return lines
}
