// Package tlsident holds the TLS identity material for a single listener:
// certificate chains keyed by server name, the client-CA trust set, the
// verification mode, and the session-ticket key set. The active identity is
// an immutable snapshot behind an atomic pointer; writers build a fresh
// snapshot and swap it in, so accept-path reads never take a lock and never
// observe a partially updated identity. In-flight handshakes keep whatever
// snapshot they started with.
package tlsident

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"pkt.systems/httpcore/internal/loggingutil"
	"pkt.systems/httpcore/tlsutil"
	"pkt.systems/pslog"
)

// VerifyMode controls how client certificates are treated during handshakes.
type VerifyMode int

const (
	// VerifyNone does not request a client certificate.
	VerifyNone VerifyMode = iota
	// VerifyOptional requests a client certificate and verifies it only when
	// the client presents one. Certless clients complete the handshake.
	VerifyOptional
	// VerifyRequired rejects handshakes without a valid client certificate.
	VerifyRequired
)

func (m VerifyMode) clientAuthType() tls.ClientAuthType {
	switch m {
	case VerifyOptional:
		return tls.VerifyClientCertIfGiven
	case VerifyRequired:
		return tls.RequireAndVerifyClientCert
	default:
		return tls.NoClientCert
	}
}

// Entry describes one identity source. Material may be supplied inline as
// PEM bytes or as file paths; file-based entries are re-read on Reload.
type Entry struct {
	CertPEM     []byte
	KeyPEM      []byte
	CertFile    string
	KeyFile     string
	ServerNames []string
	Default     bool
}

// Config assembles the identity store for one listener. Client-CA material
// from every source is merged into a single trust set.
type Config struct {
	Entries       []Entry
	ClientCAPEM   []byte
	ClientCAFiles []string
	ClientAuth    VerifyMode
	NextProtos    []string
	Seeds         TicketSeeds
	Logger        pslog.Logger
}

type loadedEntry struct {
	spec Entry
	pair *tlsutil.KeyPair
}

// identity is the immutable snapshot consulted by handshakes.
type identity struct {
	byName   map[string]*tls.Certificate
	fallback *tls.Certificate
	config   *tls.Config
}

// Store is the single-writer, multi-reader identity holder.
type Store struct {
	mu      sync.Mutex
	entries []loadedEntry
	caPool  *x509.CertPool
	auth    VerifyMode
	protos  []string
	seeds   TicketSeeds
	keys    [][32]byte
	logger  pslog.Logger

	active atomic.Pointer[identity]
}

// NewStore loads every entry and builds the initial snapshot. Any load or
// validation failure is returned to the caller, which decides whether the
// failure is fatal (strict listeners) or a downgrade to plaintext.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Entries) == 0 {
		return nil, errors.New("tlsident: no identity entries")
	}
	s := &Store{
		auth:   cfg.ClientAuth,
		protos: append([]string(nil), cfg.NextProtos...),
		logger: loggingutil.WithSubsystem(cfg.Logger, loggingutil.Subsystem("tls", "identity")),
	}
	for _, spec := range cfg.Entries {
		pair, err := loadEntry(spec)
		if err != nil {
			return nil, err
		}
		s.entries = append(s.entries, loadedEntry{spec: spec, pair: pair})
	}
	caPEM := append([]byte(nil), cfg.ClientCAPEM...)
	for _, path := range cfg.ClientCAFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &CredentialError{Reason: "read client ca " + path, Err: err}
		}
		if len(caPEM) > 0 {
			caPEM = append(caPEM, '\n')
		}
		caPEM = append(caPEM, data...)
	}
	if len(caPEM) > 0 {
		pool, err := tlsutil.CertPoolFromPEM(caPEM)
		if err != nil {
			return nil, &CredentialError{Reason: "parse client ca", Err: err}
		}
		s.caPool = pool
	}
	if !cfg.Seeds.IsZero() {
		keys, err := cfg.Seeds.Keys()
		if err != nil {
			return nil, err
		}
		s.seeds = cfg.Seeds
		s.keys = keys
	}
	s.swap()
	return s, nil
}

func loadEntry(spec Entry) (*tlsutil.KeyPair, error) {
	certPEM := spec.CertPEM
	keyPEM := spec.KeyPEM
	if len(certPEM) == 0 && spec.CertFile != "" {
		data, err := os.ReadFile(spec.CertFile)
		if err != nil {
			return nil, &CredentialError{Reason: "read certificate", Err: err}
		}
		certPEM = data
	}
	if len(keyPEM) == 0 {
		switch {
		case spec.KeyFile != "" && spec.KeyFile != spec.CertFile:
			data, err := os.ReadFile(spec.KeyFile)
			if err != nil {
				return nil, &CredentialError{Reason: "read key", Err: err}
			}
			keyPEM = data
		default:
			// combined PEM file: key lives next to the chain
			keyPEM = certPEM
		}
	}
	pair, err := tlsutil.ParseKeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, &CredentialError{Reason: "parse key pair", Err: err}
	}
	return pair, nil
}

// swap rebuilds the snapshot from current entries and publishes it.
// Callers must hold s.mu (or be the constructor).
func (s *Store) swap() {
	id := &identity{byName: make(map[string]*tls.Certificate)}
	for i := range s.entries {
		entry := &s.entries[i]
		cert := &entry.pair.Certificate
		for _, name := range entry.spec.ServerNames {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			id.byName[name] = cert
		}
		for _, name := range entry.pair.Leaf.DNSNames {
			name = strings.ToLower(name)
			if _, ok := id.byName[name]; !ok {
				id.byName[name] = cert
			}
		}
		if entry.spec.Default && id.fallback == nil {
			id.fallback = cert
		}
	}
	if id.fallback == nil && len(s.entries) == 1 {
		id.fallback = &s.entries[0].pair.Certificate
	}
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return id.resolve(chi.ServerName)
		},
		ClientAuth: s.auth.clientAuthType(),
		ClientCAs:  s.caPool,
		NextProtos: append([]string(nil), s.protos...),
	}
	if len(s.keys) > 0 {
		cfg.SetSessionTicketKeys(s.keys)
	}
	id.config = cfg
	s.active.Store(id)
}

func (id *identity) resolve(serverName string) (*tls.Certificate, error) {
	name := strings.ToLower(strings.TrimSuffix(serverName, "."))
	if cert, ok := id.byName[name]; ok {
		return cert, nil
	}
	// wildcard match on the first label
	if dot := strings.IndexByte(name, '.'); dot > 0 {
		if cert, ok := id.byName["*"+name[dot:]]; ok {
			return cert, nil
		}
	}
	if id.fallback != nil {
		return id.fallback, nil
	}
	return nil, fmt.Errorf("tlsident: no identity for server name %q and no default configured", serverName)
}

// ServerConfig returns the long-lived tls.Config handed to tls.Server. Every
// handshake dereferences the active snapshot exactly once, so credential and
// ticket-seed updates apply to the next handshake without touching this value.
func (s *Store) ServerConfig() *tls.Config {
	return &tls.Config{
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			return s.active.Load().config, nil
		},
	}
}

// ResolveIdentity returns the certificate that a handshake with the given SNI
// hint would use.
func (s *Store) ResolveIdentity(serverName string) (*tls.Certificate, error) {
	return s.active.Load().resolve(serverName)
}

// SetCertificate validates the supplied PEM pair and installs it as the
// default identity. New handshakes use it immediately; established
// connections and in-flight handshakes are not disturbed.
func (s *Store) SetCertificate(certPEM, keyPEM []byte) error {
	pair, err := tlsutil.ParseKeyPair(certPEM, keyPEM)
	if err != nil {
		return &CredentialError{Reason: "parse key pair", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.defaultEntryIndex()
	s.entries[idx].pair = pair
	s.entries[idx].spec.CertPEM = certPEM
	s.entries[idx].spec.KeyPEM = keyPEM
	s.swap()
	s.logger.Info("certificate.updated", "subject", pair.Leaf.Subject.CommonName)
	return nil
}

// Reload re-reads every file-backed entry and the client-CA file, then swaps
// in a fresh snapshot. Entries supplied as inline PEM are kept as-is. The
// previous snapshot stays active when any entry fails to load.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reloaded := make([]loadedEntry, len(s.entries))
	copy(reloaded, s.entries)
	for i := range reloaded {
		spec := reloaded[i].spec
		if spec.CertFile == "" {
			continue
		}
		spec.CertPEM = nil
		spec.KeyPEM = nil
		pair, err := loadEntry(spec)
		if err != nil {
			return err
		}
		reloaded[i].pair = pair
	}
	s.entries = reloaded
	s.swap()
	s.logger.Info("certificate.reloaded", "entries", len(s.entries))
	return nil
}

// SetTicketSeeds atomically replaces the session-ticket key set. Tickets
// minted under a seed no longer present fail to decrypt, which forces a full
// handshake; that fallback is the designed rotation behavior, not an error.
func (s *Store) SetTicketSeeds(seeds TicketSeeds) error {
	keys, err := seeds.Keys()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds = seeds
	s.keys = keys
	s.swap()
	s.logger.Info("ticket.seeds.updated",
		"current", len(seeds.Current),
		"previous", len(seeds.Previous),
		"next", len(seeds.Next))
	return nil
}

// WatchPaths lists the files that back this store, for hot-reload watching.
func (s *Store) WatchPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	for _, entry := range s.entries {
		add(entry.spec.CertFile)
		add(entry.spec.KeyFile)
	}
	return paths
}

func (s *Store) defaultEntryIndex() int {
	for i := range s.entries {
		if s.entries[i].spec.Default {
			return i
		}
	}
	return 0
}

// CredentialError reports unusable certificate or key material.
type CredentialError struct {
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("tls credentials: %s: %v", e.Reason, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }
