// Package admission decides, per accepted connection, whether the server
// dispatches it to the HTTP layer. Filters run after the TLS handshake (when
// there is one) and before any request bytes are parsed, so a veto closes
// the connection without spending request-processing work on it.
package admission

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/rs/xid"
)

// ErrRejected is the base error for all admission vetoes. Filters wrap it so
// callers can distinguish policy rejections from I/O failures with errors.Is.
var ErrRejected = errors.New("connection rejected")

// Info describes one accepted connection at the moment of admission.
type Info struct {
	// ID uniquely identifies the connection for log correlation.
	ID xid.ID
	// Conn is the accepted connection. Filters must not read from it.
	Conn net.Conn
	// Secure reports whether the connection completed a TLS handshake.
	Secure bool
	// TLS is the handshake state, nil for plaintext connections.
	TLS *tls.ConnectionState
}

// RemoteAddr returns the connection's remote address, or nil.
func (i Info) RemoteAddr() net.Addr {
	if i.Conn == nil {
		return nil
	}
	return i.Conn.RemoteAddr()
}

// PeerCertificate returns the client's leaf certificate, or nil when the
// client did not present one.
func (i Info) PeerCertificate() *x509.Certificate {
	if i.TLS == nil || len(i.TLS.PeerCertificates) == 0 {
		return nil
	}
	return i.TLS.PeerCertificates[0]
}

// Filter inspects a connection and returns nil to admit it or an error
// (wrapping ErrRejected for policy vetoes) to close it before dispatch.
type Filter func(Info) error

// Chain runs filters in order and stops at the first veto.
func Chain(filters ...Filter) Filter {
	return func(info Info) error {
		for _, f := range filters {
			if f == nil {
				continue
			}
			if err := f(info); err != nil {
				return err
			}
		}
		return nil
	}
}

// RequireCommonName admits only TLS connections whose client certificate
// carries one of the given common names. Plaintext and certless connections
// are vetoed.
func RequireCommonName(names ...string) Filter {
	allowed := make(map[string]struct{}, len(names))
	for _, n := range names {
		allowed[n] = struct{}{}
	}
	return func(info Info) error {
		cert := info.PeerCertificate()
		if cert == nil {
			return fmt.Errorf("%w: client certificate required", ErrRejected)
		}
		if _, ok := allowed[cert.Subject.CommonName]; !ok {
			return fmt.Errorf("%w: common name %q not permitted", ErrRejected, cert.Subject.CommonName)
		}
		return nil
	}
}

// DenySerials vetoes TLS connections whose client certificate serial
// matches a revoked entry. Connections without a client certificate pass;
// pair with RequireCommonName when certs are mandatory.
func DenySerials(serials ...string) Filter {
	denied := make(map[string]struct{}, len(serials))
	for _, s := range serials {
		denied[s] = struct{}{}
	}
	return func(info Info) error {
		cert := info.PeerCertificate()
		if cert == nil {
			return nil
		}
		if _, ok := denied[cert.SerialNumber.String()]; ok {
			return fmt.Errorf("%w: certificate serial %s revoked", ErrRejected, cert.SerialNumber)
		}
		return nil
	}
}

// DenyHosts vetoes connections from the given remote hosts.
func DenyHosts(hosts ...string) Filter {
	denied := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		denied[h] = struct{}{}
	}
	return func(info Info) error {
		addr := info.RemoteAddr()
		if addr == nil {
			return nil
		}
		host := normalizeRemoteAddr(addr.String())
		if _, ok := denied[host]; ok {
			return fmt.Errorf("%w: host %s denied", ErrRejected, host)
		}
		return nil
	}
}

// normalizeRemoteAddr extracts just the host component.
func normalizeRemoteAddr(raw string) string {
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}
