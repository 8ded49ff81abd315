// Package httpcore is an embeddable HTTP(S) server core. It binds one or
// more listen endpoints, runs an idempotent concurrent start/stop lifecycle,
// terminates TLS with hot-reloadable certificates and rotating session-ticket
// keys, and admits or rejects every accepted connection through a pluggable
// policy hook before any request is dispatched. Routing, compression, and the
// rest of HTTP semantics stay with net/http; httpcore owns the sockets, the
// handshakes, and the lifecycle around them.
//
// # Running a server
//
// A server needs at least one listener and a handler:
//
//	cfg := httpcore.Config{
//	    Listeners: []httpcore.ListenSpec{{Addr: ":8443", TLS: []httpcore.TLSConfig{{
//	        CertFile: "/etc/httpcore/server.pem",
//	        Default:  true,
//	    }}}},
//	    Handler: mux,
//	}
//	srv, stop, err := httpcore.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// Every listener binds before any of them accepts, so a port conflict
// anywhere fails the whole start without exposing a half-bound server. Port
// 0 picks an ephemeral port, discoverable through Addrs after Bind. Stop is
// idempotent: concurrent and repeated calls all observe the same single
// teardown and return nil.
//
// # TLS
//
// Each listener carries its own identity set with SNI resolution and a
// default fallback. Certificates hot-reload through UpdateTLSCredentials (or
// automatically with WatchCredentials), affecting new handshakes only.
// Session-ticket keys derive deterministically from hex seeds, so rotating
// seeds while retaining the previous one keeps issued tickets resumable, and
// dropping a seed forces those clients back to full handshakes. A listener
// with AllowInsecureOnSecurePort sniffs the first byte of each connection
// and serves plaintext clients on the same port.
//
// # Admission
//
// The admission package decides per connection, after the handshake and
// before any request parsing, whether the connection reaches the handler.
// Built-in policies cover client-CN authorization, certificate denylists,
// host blocking after repeated handshake failures, and load shedding under
// memory or CPU pressure.
//
// # Handler chain
//
// HandlerChain composes decorators around the terminal handler, outermost
// first, and delivers OnServerStart/OnServerStop lifecycle hooks to each
// factory exactly once per transition.
package httpcore
