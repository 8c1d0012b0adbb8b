package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/config"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/storage"
)

// formatDuration formats a duration in human-readable form.
// Examples: "just now", "5m ago", "2h ago", "3d ago"
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

// auditRow is the JSON shape of one audit entry.
type auditRow struct {
	ID       int64     `json:"id"`
	Event    string    `json:"event"`
	ConnID   string    `json:"conn_id,omitempty"`
	PeerAddr string    `json:"peer_addr,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

func runAudit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath string
		auditDB    string
		event      string
		connID     string
		limit      int
		asJSON     bool
	)
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.securecast/config.toml)")
	fs.StringVar(&auditDB, "audit-db", "", "SQLite connection audit database (default: audit_db from config)")
	fs.StringVar(&event, "event", "", "Only show this event (server_started, server_stopped, peer_connected, peer_disconnected)")
	fs.StringVar(&connID, "conn", "", "Only show entries for this connection ID")
	fs.IntVar(&limit, "limit", 50, "Maximum entries to show, newest first (0 for all)")
	fs.BoolVar(&asJSON, "json", false, "Print entries as JSON")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: securecast audit [options]\n\nShow the connection audit trail. Message content is never recorded.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, ok := loadSettings(configPath, stderr, func(cfg *config.Config) {
		if auditDB != "" {
			cfg.AuditDB = auditDB
		}
	})
	if !ok {
		return 1
	}
	if cfg.AuditDB == "" {
		fmt.Fprintln(stderr, "Error: no audit database configured (set audit_db or pass --audit-db)")
		return 1
	}
	// Opening would create an empty database; a typo should not.
	if _, err := os.Stat(cfg.AuditDB); err != nil {
		fmt.Fprintf(stderr, "Error: audit database %s: %v\n", cfg.AuditDB, err)
		return 1
	}

	store, err := storage.NewSQLiteStore(cfg.AuditDB)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	entries, err := store.ListConnectionAudit(storage.ConnectionAuditFilter{
		Event:  event,
		ConnID: connID,
		Limit:  limit,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if asJSON {
		rows := make([]auditRow, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, auditRow{
				ID:       e.ID,
				Event:    e.Event,
				ConnID:   e.ConnID,
				PeerAddr: e.PeerAddr,
				Detail:   e.Detail,
				At:       e.At,
			})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No audit entries.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tAGE\tEVENT\tCONN\tPEER\tDETAIL")
	now := time.Now()
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.At.Local().Format("2006-01-02 15:04:05"),
			formatDuration(now.Sub(e.At)),
			e.Event,
			shortID(e.ConnID),
			dash(e.PeerAddr),
			dash(e.Detail),
		)
	}
	w.Flush()
	return 0
}

// shortID trims a connection UUID for table display.
func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
