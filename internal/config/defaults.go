package config

// DefaultPort is the TCP port the server listens on and peers dial.
const DefaultPort = 12345

// DefaultHost is the server a peer connects to.
const DefaultHost = "localhost"

// DefaultKeystore is the key store path, relative to the working directory.
const DefaultKeystore = "server.p12"

// Timeout defaults, in milliseconds.
const (
	DefaultHandshakeTimeoutMs  = 10000
	DefaultWriteTimeoutMs      = 10000
	DefaultDisconnectTimeoutMs = 1000
	DefaultDialTimeoutMs       = 10000
)

// DefaultAuditMaxRows bounds the connection audit table.
const DefaultAuditMaxRows = 10000

// DefaultLogLevel shows lifecycle events but not component debug logs.
const DefaultLogLevel = "info"
