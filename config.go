package httpcore

import (
	"fmt"
	"net/http"
	"time"

	"pkt.systems/httpcore/admission"
	"pkt.systems/httpcore/internal/tlsident"
)

// Defaults applied by Config.Validate when the corresponding field is zero.
const (
	DefaultNetwork           = "tcp"
	DefaultProtocol          = ProtocolH1
	DefaultBacklog           = 1024
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultReadHeaderTimeout = 30 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
)

// Protocol selects the HTTP protocol family served on a listener.
type Protocol string

const (
	// ProtocolH1 serves HTTP/1.1 only.
	ProtocolH1 Protocol = "h1"
	// ProtocolH2 additionally serves HTTP/2: via ALPN on TLS listeners,
	// via h2c upgrade on plaintext listeners.
	ProtocolH2 Protocol = "h2"
)

// VerifyMode controls client-certificate handling on a TLS listener.
type VerifyMode = tlsident.VerifyMode

const (
	VerifyNone     = tlsident.VerifyNone
	VerifyOptional = tlsident.VerifyOptional
	VerifyRequired = tlsident.VerifyRequired
)

// TicketSeeds holds the rotating session-ticket seed schedule.
type TicketSeeds = tlsident.TicketSeeds

// TLSConfig names one server identity for a listener. Material is supplied
// either inline as PEM or as file paths; file-backed identities can be
// hot-reloaded.
type TLSConfig struct {
	// CertFile and KeyFile locate PEM files on disk. KeyFile may equal
	// CertFile for a combined file, or be empty to mean the same.
	CertFile string
	KeyFile  string
	// CertPEM and KeyPEM supply the material inline instead.
	CertPEM []byte
	KeyPEM  []byte
	// ServerNames lists the SNI names this identity serves, in addition to
	// the DNS names in the certificate itself.
	ServerNames []string
	// Default marks this identity as the fallback when no SNI name matches.
	Default bool
	// ClientCAFile or ClientCAPEM supply trust anchors for verifying client
	// certificates. Anchors from every TLS entry on a listener merge into
	// one trust set.
	ClientCAFile string
	ClientCAPEM  []byte
	// ClientAuth selects how client certificates are treated.
	ClientAuth VerifyMode
}

// ListenSpec describes one endpoint the server binds. Immutable after Bind.
type ListenSpec struct {
	// Name labels the listener in logs and metrics. Defaults to the address.
	Name string
	// Network is "tcp", "tcp4", "tcp6", or "unix".
	Network string
	// Addr is the listen address. Port 0 picks an ephemeral port,
	// discoverable through Addrs after Bind.
	Addr string
	// FD adopts an externally supplied listening or bound descriptor when
	// greater than zero. Addr is then ignored.
	FD int
	// Protocol selects h1 or h2. Defaults to h1.
	Protocol Protocol
	// TLS holds the server identities. Empty means plaintext.
	TLS []TLSConfig
	// StrictTLS makes unusable credential material abort Bind. When false
	// the listener degrades to plaintext with a warning.
	StrictTLS bool
	// AllowInsecureOnSecurePort additionally serves plaintext clients on a
	// TLS listener, routing on the first byte of each connection.
	AllowInsecureOnSecurePort bool
}

// Config assembles a server. The zero value is not usable; at least one
// listener and a handler or handler chain are required.
type Config struct {
	// Listeners are the endpoints to bind. At least one.
	Listeners []ListenSpec
	// Handler is the terminal request handler, wrapped by Chain if set.
	Handler http.Handler
	// Chain decorates Handler. Its lifecycle hooks fire on Start and Stop.
	Chain HandlerChain
	// Filter, when set, must admit every accepted connection before it is
	// dispatched to the protocol layer. It runs on the accept goroutine.
	Filter admission.Filter
	// TicketSeeds configures deterministic session-ticket keys shared by
	// all TLS listeners. Empty seeds leave the stdlib's automatic keys.
	TicketSeeds TicketSeeds
	// WatchCredentials hot-reloads file-backed TLS identities on change.
	WatchCredentials bool

	// HandshakeTimeout bounds each TLS handshake.
	HandshakeTimeout time.Duration
	// ReadHeaderTimeout, IdleTimeout, and MaxHeaderBytes are handed to the
	// underlying http.Server per listener.
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	// Backlog is the listen(2) backlog per listener.
	Backlog int

	// GuardFailureThreshold enables the handshake-failure guard: hosts that
	// fail this many handshakes inside GuardFailureWindow are blocked for
	// GuardBlockDuration. Zero disables the guard.
	GuardFailureThreshold int
	GuardFailureWindow    time.Duration
	GuardBlockDuration    time.Duration

	// MetricsListen exposes Prometheus metrics on its own address when set.
	MetricsListen string
	// PprofListen exposes net/http/pprof on its own address when set.
	PprofListen string
	// OTLPEndpoint enables trace export to an OTLP collector when set.
	// Accepts host:port, http(s) URLs, or grpc://host:port.
	OTLPEndpoint string
}

// Validate normalizes defaults and rejects unusable configurations.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return fmt.Errorf("config: at least one listener required")
	}
	if c.Handler == nil && c.Chain.Len() == 0 {
		return fmt.Errorf("config: handler or handler chain required")
	}
	seen := make(map[string]struct{}, len(c.Listeners))
	for i := range c.Listeners {
		spec := &c.Listeners[i]
		if spec.Network == "" {
			spec.Network = DefaultNetwork
		}
		if spec.Protocol == "" {
			spec.Protocol = DefaultProtocol
		}
		switch spec.Protocol {
		case ProtocolH1, ProtocolH2:
		default:
			return fmt.Errorf("config: listener %d: unknown protocol %q", i, spec.Protocol)
		}
		switch spec.Network {
		case "tcp", "tcp4", "tcp6", "unix":
		default:
			return fmt.Errorf("config: listener %d: unknown network %q", i, spec.Network)
		}
		if spec.Addr == "" && spec.FD <= 0 {
			return fmt.Errorf("config: listener %d: address or descriptor required", i)
		}
		if spec.Name == "" {
			if spec.FD > 0 && spec.Addr == "" {
				spec.Name = fmt.Sprintf("fd:%d", spec.FD)
			} else {
				spec.Name = spec.Addr
			}
		}
		key := spec.Network + "|" + spec.Addr
		if spec.FD > 0 {
			key = fmt.Sprintf("fd|%d", spec.FD)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("config: listener %d: duplicate endpoint %s: %w", i, spec.Name, ErrBindConflict)
		}
		seen[key] = struct{}{}
		if spec.AllowInsecureOnSecurePort && len(spec.TLS) == 0 {
			return fmt.Errorf("config: listener %d: allow-insecure requires TLS identities", i)
		}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	return nil
}
