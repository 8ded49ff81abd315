package httpcore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/rs/xid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"pkt.systems/httpcore/admission"
	"pkt.systems/httpcore/internal/loggingutil"
	"pkt.systems/httpcore/internal/socket"
	"pkt.systems/httpcore/internal/tlsident"
	"pkt.systems/pslog"
)

// tlsRecordByte is the content type of a TLS handshake record; anything else
// as the first byte of a connection is treated as plaintext when
// AllowInsecureOnSecurePort is set.
const tlsRecordByte = 0x16

// endpoint is one bound listener: its socket, TLS identity store, protocol
// server, and accept loop.
type endpoint struct {
	spec    ListenSpec
	logger  pslog.Logger
	store   *tlsident.Store
	watcher *tlsident.Watcher

	sock *socket.Socket
	ln   net.Listener
	srv  *http.Server

	filter           admission.Filter
	guard            *admission.Guard
	guardFilter      admission.Filter
	metrics          *serverMetrics
	handshakeTimeout time.Duration
}

// newEndpoint prepares the endpoint's TLS identity store without touching
// the network. Credential failures are fatal for strict listeners; others
// degrade to plaintext with a warning.
func newEndpoint(spec ListenSpec, cfg Config, guard *admission.Guard, metrics *serverMetrics, logger pslog.Logger) (*endpoint, error) {
	e := &endpoint{
		spec:             spec,
		logger:           loggingutil.WithSubsystem(logger, "listener"),
		filter:           cfg.Filter,
		guard:            guard,
		metrics:          metrics,
		handshakeTimeout: cfg.HandshakeTimeout,
	}
	if guard != nil {
		e.guardFilter = guard.Filter()
	}
	if len(spec.TLS) > 0 {
		store, err := tlsident.NewStore(identityConfig(spec, cfg, logger))
		if err != nil {
			if spec.StrictTLS {
				return nil, fmt.Errorf("listener %s: %w", spec.Name, err)
			}
			e.logger.Warn("tls.credentials.unusable",
				"listener", spec.Name,
				"impact", "degrading to plaintext",
				"error", err)
		} else {
			e.store = store
		}
	}
	return e, nil
}

func identityConfig(spec ListenSpec, cfg Config, logger pslog.Logger) tlsident.Config {
	out := tlsident.Config{
		Seeds:  cfg.TicketSeeds,
		Logger: logger,
	}
	if spec.Protocol == ProtocolH2 {
		out.NextProtos = []string{"h2", "http/1.1"}
	} else {
		out.NextProtos = []string{"http/1.1"}
	}
	for _, t := range spec.TLS {
		out.Entries = append(out.Entries, tlsident.Entry{
			CertPEM:     t.CertPEM,
			KeyPEM:      t.KeyPEM,
			CertFile:    t.CertFile,
			KeyFile:     t.KeyFile,
			ServerNames: t.ServerNames,
			Default:     t.Default,
		})
		// client-CA material from every entry merges into one trust set
		if len(t.ClientCAPEM) > 0 {
			if len(out.ClientCAPEM) > 0 {
				out.ClientCAPEM = append(out.ClientCAPEM, '\n')
			}
			out.ClientCAPEM = append(out.ClientCAPEM, t.ClientCAPEM...)
		}
		if t.ClientCAFile != "" && !slices.Contains(out.ClientCAFiles, t.ClientCAFile) {
			out.ClientCAFiles = append(out.ClientCAFiles, t.ClientCAFile)
		}
		if t.ClientAuth > out.ClientAuth {
			out.ClientAuth = t.ClientAuth
		}
	}
	return out
}

// bind acquires the socket without listening.
func (e *endpoint) bind() error {
	sock, err := socket.Bind(socket.Spec{
		Network: e.spec.Network,
		Addr:    e.spec.Addr,
		FD:      adoptFD(e.spec.FD),
	})
	if err != nil {
		if socket.IsConflict(err) {
			return fmt.Errorf("listener %s: %w: %w", e.spec.Name, ErrBindConflict, err)
		}
		return fmt.Errorf("listener %s: %w", e.spec.Name, err)
	}
	e.sock = sock
	return nil
}

func adoptFD(fd int) int {
	if fd > 0 {
		return fd
	}
	return -1
}

// serve upgrades the bound socket to listening and starts the protocol
// server on its own goroutine. done receives the serve result.
func (e *endpoint) serve(handler http.Handler, cfg Config, done chan<- error) error {
	ln, err := e.sock.Listen(cfg.Backlog)
	if err != nil {
		return fmt.Errorf("listener %s: %w", e.spec.Name, err)
	}
	e.ln = ln

	if e.store == nil && e.spec.Protocol == ProtocolH2 {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		ErrorLog:          loggingutil.ErrorLog(loggingutil.WithSubsystem(e.logger, "http")),
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ConnState: e.metrics.connState(e.spec.Name),
	}
	if e.store != nil && e.spec.Protocol == ProtocolH2 {
		if err := http2.ConfigureServer(srv, nil); err != nil {
			ln.Close()
			return fmt.Errorf("listener %s: configure h2: %w", e.spec.Name, err)
		}
	}
	e.srv = srv

	// the watcher lives until stopListening, independent of the start context
	if cfg.WatchCredentials && e.store != nil {
		watcher, err := tlsident.NewWatcher(e.store, e.logger)
		if err != nil {
			e.logger.Warn("tls.watch.unavailable", "listener", e.spec.Name, "error", err)
		} else {
			e.watcher = watcher
		}
	}

	e.logger.Info("listening",
		"listener", e.spec.Name,
		"network", e.spec.Network,
		"address", ln.Addr().String(),
		"protocol", string(e.spec.Protocol),
		"tls", e.store != nil,
		"allow_insecure", e.spec.AllowInsecureOnSecurePort)

	go func() {
		done <- srv.Serve(&admittingListener{Listener: ln, e: e})
	}()
	return nil
}

// stopListening closes the listener socket; in-flight connections continue.
func (e *endpoint) stopListening() {
	if e.watcher != nil {
		e.watcher.Close()
		e.watcher = nil
	}
	if e.ln != nil {
		_ = e.ln.Close()
		e.ln = nil
	}
	if e.sock != nil {
		_ = e.sock.Close()
		e.sock = nil
	}
}

// shutdown drains in-flight connections and closes the tracked listener. A
// listener already closed by StopListening reports net.ErrClosed here; that
// is a healthy teardown, not a failure.
func (e *endpoint) shutdown(ctx context.Context) error {
	if e.srv == nil {
		return nil
	}
	err := e.srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("listener %s: shutdown: %w", e.spec.Name, err)
	}
	return nil
}

func (e *endpoint) fd() int {
	if e.sock == nil {
		return -1
	}
	return e.sock.FD()
}

func (e *endpoint) addr() net.Addr {
	if e.sock == nil {
		return nil
	}
	return e.sock.Addr()
}

// admittingListener runs the handshake and admission filter on the accept
// goroutine, returning only admitted connections to the protocol layer.
// Vetoed connections are closed and the loop continues.
type admittingListener struct {
	net.Listener
	e *endpoint
}

func (l *admittingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		admitted, ok := l.e.admit(conn)
		if ok {
			return admitted, nil
		}
	}
}

// admit runs the per-connection pipeline: guard check, optional first-byte
// sniff, TLS handshake, admission filter. It returns false when the
// connection was closed instead of admitted.
func (e *endpoint) admit(conn net.Conn) (net.Conn, bool) {
	id := xid.New()
	remote := remoteAddress(conn)
	e.metrics.accepted.WithLabelValues(e.spec.Name).Inc()

	if e.guardFilter != nil {
		if err := e.guardFilter(admission.Info{ID: id, Conn: conn}); err != nil {
			e.reject(conn, id, remote, err)
			return nil, false
		}
	}

	secure := e.store != nil
	if secure && e.spec.AllowInsecureOnSecurePort {
		sniffed, isTLS, err := e.sniff(conn)
		if err != nil {
			if e.guard != nil {
				e.guard.RecordFailure(remote, "probe")
			}
			e.reject(conn, id, remote, err)
			return nil, false
		}
		conn = sniffed
		secure = isTLS
	}

	var state *tls.ConnectionState
	if secure {
		tlsConn := tls.Server(conn, e.store.ServerConfig())
		if e.handshakeTimeout > 0 {
			_ = tlsConn.SetReadDeadline(time.Now().Add(e.handshakeTimeout))
		}
		err := tlsConn.Handshake()
		_ = tlsConn.SetReadDeadline(time.Time{})
		if err != nil {
			e.metrics.handshakeFailures.WithLabelValues(e.spec.Name).Inc()
			if e.guard != nil {
				e.guard.RecordFailure(remote, "tls_handshake")
			}
			e.reject(tlsConn, id, remote, err)
			return nil, false
		}
		cs := tlsConn.ConnectionState()
		state = &cs
		conn = tlsConn
	}

	if e.filter != nil {
		if err := e.filter(admission.Info{ID: id, Conn: conn, Secure: secure, TLS: state}); err != nil {
			e.reject(conn, id, remote, err)
			return nil, false
		}
	}
	e.metrics.admitted.WithLabelValues(e.spec.Name).Inc()
	e.logger.Debug("connection.admitted",
		"listener", e.spec.Name,
		"conn", id.String(),
		"remote", remote,
		"secure", secure)
	return conn, true
}

// reject closes the connection and counts the veto, whichever stage of the
// admission pipeline produced it.
func (e *endpoint) reject(conn net.Conn, id xid.ID, remote string, err error) {
	_ = conn.Close()
	e.metrics.rejected.WithLabelValues(e.spec.Name).Inc()
	e.logger.Debug("connection.rejected",
		"listener", e.spec.Name,
		"conn", id.String(),
		"remote", remote,
		"error", err)
}

// sniff peeks at the first byte to route plaintext clients on a TLS port.
func (e *endpoint) sniff(conn net.Conn) (net.Conn, bool, error) {
	if e.handshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(e.handshakeTimeout))
	}
	buffer := make([]byte, 1)
	n, err := conn.Read(buffer)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return conn, false, fmt.Errorf("probe first byte: %w", err)
	}
	prefixed := &prefixedConn{Conn: conn, prefix: buffer[:n]}
	return prefixed, buffer[0] == tlsRecordByte, nil
}

func remoteAddress(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// prefixedConn replays the sniffed byte ahead of the connection stream.
type prefixedConn struct {
	net.Conn
	prefix []byte
	used   int
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > c.used {
		n := copy(p, c.prefix[c.used:])
		c.used += n
		return n, nil
	}
	return c.Conn.Read(p)
}
