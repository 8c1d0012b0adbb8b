package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/server"
)

// maxLineBody bounds a /broadcast request body.
const maxLineBody = 64 * 1024

// Target is the part of *server.Server the control socket drives.
type Target interface {
	State() server.State
	Port() int
	Fingerprint() string
	ClientCount() int
	Broadcast(line string) int
}

// Status describes a running server.
type Status struct {
	State       string `json:"state"`
	Port        int    `json:"port"`
	Clients     int    `json:"clients"`
	Fingerprint string `json:"fingerprint"`
}

// BroadcastRequest is the /broadcast request body.
type BroadcastRequest struct {
	Line string `json:"line"`
}

// BroadcastResponse reports how many peers received the line.
type BroadcastResponse struct {
	Delivered int `json:"delivered"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler returns the control API for t:
//
//	GET  /status     current Status
//	POST /broadcast  send one line to every peer
func NewHandler(t Target) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "use GET")
			return
		}
		writeJSON(w, http.StatusOK, Status{
			State:       t.State().String(),
			Port:        t.Port(),
			Clients:     t.ClientCount(),
			Fingerprint: t.Fingerprint(),
		})
	})

	mux.HandleFunc("/broadcast", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "use POST")
			return
		}
		var req BroadcastRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxLineBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
			return
		}
		if req.Line == "" {
			writeError(w, http.StatusBadRequest, "line is empty")
			return
		}
		if state := t.State(); state != server.StateRunning {
			writeError(w, http.StatusConflict, fmt.Sprintf("server is %s", state))
			return
		}
		writeJSON(w, http.StatusOK, BroadcastResponse{Delivered: t.Broadcast(req.Line)})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// Client calls the control API of a server on the same host.
type Client struct {
	http *http.Client
}

// NewClient returns a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var dialer net.Dialer
					return dialer.DialContext(ctx, "unix", path)
				},
			},
		},
	}
}

// Status fetches the server status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/status", nil)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := c.do(req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Broadcast sends line through the server and returns how many peers
// received it.
func (c *Client) Broadcast(ctx context.Context, line string) (int, error) {
	body, err := json.Marshal(BroadcastRequest{Line: line})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix/broadcast", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp BroadcastResponse
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.Delivered, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control socket unreachable (is the server running with a control socket?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			return fmt.Errorf("control request failed: %s", e.Error)
		}
		return fmt.Errorf("control request failed: HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
