// Package mdns provides optional mDNS/DNS-SD advertisement of a running
// broadcast server, and the matching browser used by `securecast discover`.
//
// The advertisement carries:
//   - Service type: _securecast._tcp
//   - TXT records with the protocol version, instance name and the
//     SHA-256 fingerprint of the server certificate
//
// Discovery only reveals presence. Peers still need the trust store and
// its password to connect; the fingerprint lets an operator confirm they
// found the server they expect before distributing trust material.
package mdns

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type for broadcast servers.
const ServiceType = "_securecast._tcp"

// Domain is the mDNS domain advertised and browsed.
const Domain = "local."

// ProtocolVersion identifies the wire protocol: newline-delimited UTF-8
// lines over TLS.
const ProtocolVersion = "1"

// TXT record keys.
const (
	txtVersion     = "version"
	txtName        = "name"
	txtFingerprint = "fp"
)

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the server port to advertise.
	Port int

	// Fingerprint is the server certificate fingerprint.
	Fingerprint string

	// Name is the instance name. Defaults to the system hostname.
	Name string
}

// instanceName resolves the advertised name.
func (c Config) instanceName() string {
	if c.Name != "" {
		return c.Name
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "securecast"
}

// txtRecords builds the TXT strings for an advertisement. A SHA-256
// fingerprint is 95 characters, well inside the 255-byte TXT limit.
func (c Config) txtRecords(name string) []string {
	txt := []string{
		txtVersion + "=" + ProtocolVersion,
		txtName + "=" + name,
	}
	if c.Fingerprint != "" {
		txt = append(txt, txtFingerprint+"="+c.Fingerprint)
	}
	return txt
}

// Advertiser manages the DNS-SD registration for one server run.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser; nothing is sent until Start.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

// Start registers the service. Calling Start while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}
	if a.config.Port <= 0 {
		return fmt.Errorf("mdns register: invalid port %d", a.config.Port)
	}

	name := a.config.instanceName()
	server, err := zeroconf.Register(name, ServiceType, Domain, a.config.Port, a.config.txtRecords(name), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop unregisters the service. Safe to call repeatedly or before Start.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredServer is a broadcast server found on the local network.
type DiscoveredServer struct {
	Name        string
	Host        string
	Port        int
	Fingerprint string
	Version     string
}

// Addr returns host:port suitable for display.
func (d DiscoveredServer) Addr() string {
	if strings.Contains(d.Host, ":") {
		return fmt.Sprintf("[%s]:%d", d.Host, d.Port)
	}
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// fromEntry converts a resolved service entry, preferring IPv4.
func fromEntry(entry *zeroconf.ServiceEntry) DiscoveredServer {
	d := DiscoveredServer{Name: entry.Instance, Port: entry.Port}

	switch {
	case len(entry.AddrIPv4) > 0:
		d.Host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		d.Host = entry.AddrIPv6[0].String()
	default:
		d.Host = strings.TrimSuffix(entry.HostName, ".")
	}

	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case txtFingerprint:
			d.Fingerprint = value
		case txtVersion:
			d.Version = value
		case txtName:
			if value != "" {
				d.Name = value
			}
		}
	}
	return d
}

// Discover browses for servers until ctx is done and returns what it
// found, de-duplicated by instance and sorted by name.
func Discover(ctx context.Context) ([]DiscoveredServer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		found = make(map[string]DiscoveredServer)
		wg    sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			found[entry.ServiceInstanceName()] = fromEntry(entry)
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()
	// zeroconf closes entries once ctx is done.
	wg.Wait()

	servers := make([]DiscoveredServer, 0, len(found))
	for _, d := range found {
		servers = append(servers, d)
	}
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].Name != servers[j].Name {
			return servers[i].Name < servers[j].Name
		}
		return servers[i].Addr() < servers[j].Addr()
	})
	return servers, nil
}
