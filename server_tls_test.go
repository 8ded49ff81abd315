package httpcore

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"pkt.systems/httpcore/tlsutil"
)

type testPKI struct {
	ca     *tlsutil.CA
	server tlsutil.IssuedCert
	pool   *x509.CertPool
}

func newTestPKI(t *testing.T, hosts ...string) *testPKI {
	t.Helper()
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	ca, err := tlsutil.GenerateCA("httpcore-test-ca", time.Hour)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	server, err := ca.IssueServer(hosts, "test-server", time.Hour)
	if err != nil {
		t.Fatalf("issue server cert: %v", err)
	}
	pool, err := tlsutil.CertPoolFromPEM(ca.CertPEM)
	if err != nil {
		t.Fatalf("cert pool: %v", err)
	}
	return &testPKI{ca: ca, server: server, pool: pool}
}

func (p *testPKI) clientConfig() *tls.Config {
	return &tls.Config{RootCAs: p.pool, ServerName: "localhost"}
}

func (p *testPKI) httpsClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: p.clientConfig()},
	}
}

func startTLSServer(t *testing.T, pki *testPKI, mut func(*Config)) *TestServer {
	t.Helper()
	cfg := Config{
		Listeners: []ListenSpec{{
			Addr:      "127.0.0.1:0",
			StrictTLS: true,
			TLS: []TLSConfig{{
				CertPEM: pki.server.CertPEM,
				KeyPEM:  pki.server.KeyPEM,
				Default: true,
			}},
		}},
		Handler: okHandler(),
	}
	if mut != nil {
		mut(&cfg)
	}
	return StartTestServer(t, WithTestConfig(cfg))
}

// getOverTLS performs one HTTP request on a fresh TLS connection and reports
// whether the handshake resumed a session. The response is read fully so the
// client ingests any session tickets the server sent after the handshake.
func getOverTLS(t *testing.T, addr string, cfg *tls.Config) bool {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		t.Fatalf("tls dial %s: %v", addr, err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n"); err != nil {
		t.Fatalf("write request: %v", err)
	}
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	return conn.ConnectionState().DidResume
}

func leafDigest(t *testing.T, addr string) [sha256.Size]byte {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial %s: %v", addr, err)
	}
	defer conn.Close()
	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		t.Fatal("no peer certificate")
	}
	return sha256.Sum256(certs[0].Raw)
}

func TestTLSListenerServesHTTPS(t *testing.T) {
	pki := newTestPKI(t)
	ts := startTLSServer(t, pki, nil)

	client := pki.httpsClient()
	resp := mustGet(t, client, ts.BaseURL)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.TLS == nil {
		t.Fatal("response did not travel over TLS")
	}
}

func TestPlaintextRefusedOnTLSPort(t *testing.T) {
	pki := newTestPKI(t)
	ts := startTLSServer(t, pki, nil)

	client := &http.Client{Timeout: 2 * time.Second}
	if _, err := client.Get("http://" + ts.Addr().String()); err == nil {
		t.Fatal("plaintext request succeeded on a TLS-only port")
	}
}

func TestAllowInsecureServesBothOnOnePort(t *testing.T) {
	pki := newTestPKI(t)
	ts := startTLSServer(t, pki, func(cfg *Config) {
		cfg.Listeners[0].AllowInsecureOnSecurePort = true
	})
	addr := ts.Addr().String()

	resp := mustGet(t, pki.httpsClient(), "https://"+addr)
	if resp.TLS == nil {
		t.Fatal("https request was not TLS")
	}
	resp = mustGet(t, &http.Client{Timeout: 2 * time.Second}, "http://"+addr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("plaintext status = %d, want 200", resp.StatusCode)
	}
}

func TestSessionTicketResumption(t *testing.T) {
	seedA := strings.Repeat("aa", 32)
	seedB := strings.Repeat("bb", 32)
	seedC := strings.Repeat("cc", 32)

	pki := newTestPKI(t)
	ts := startTLSServer(t, pki, func(cfg *Config) {
		cfg.TicketSeeds = TicketSeeds{Current: []string{seedA}}
	})
	addr := ts.Addr().String()

	clientCfg := pki.clientConfig()
	clientCfg.ClientSessionCache = tls.NewLRUClientSessionCache(8)

	if getOverTLS(t, addr, clientCfg) {
		t.Fatal("first connection resumed a session")
	}
	if !getOverTLS(t, addr, clientCfg) {
		t.Fatal("second connection did not resume")
	}

	// a rotation that retains the old seed keeps outstanding tickets valid
	if err := ts.Server.UpdateTicketSeeds(TicketSeeds{
		Current:  []string{seedB},
		Previous: []string{seedA},
	}); err != nil {
		t.Fatalf("rotate with retained seed: %v", err)
	}
	if !getOverTLS(t, addr, clientCfg) {
		t.Fatal("ticket minted under retained seed did not resume")
	}

	// a disjoint rotation invalidates outstanding tickets; clients fall back
	// to a full handshake rather than failing
	if err := ts.Server.UpdateTicketSeeds(TicketSeeds{Current: []string{seedC}}); err != nil {
		t.Fatalf("disjoint rotation: %v", err)
	}
	if getOverTLS(t, addr, clientCfg) {
		t.Fatal("connection resumed across a disjoint seed rotation")
	}
	// the full handshake minted a fresh ticket under the new seed
	if !getOverTLS(t, addr, clientCfg) {
		t.Fatal("connection did not resume after re-establishing under new seed")
	}
}

func TestStopAfterServingTLSTrafficReturnsNil(t *testing.T) {
	pki := newTestPKI(t)
	// the teardown ordering race only shows up with connections in play, so
	// run several fresh lifecycles
	for i := 0; i < 5; i++ {
		srv, err := NewServer(Config{
			Listeners: []ListenSpec{{
				Addr:      "127.0.0.1:0",
				StrictTLS: true,
				TLS: []TLSConfig{{
					CertPEM: pki.server.CertPEM,
					KeyPEM:  pki.server.KeyPEM,
					Default: true,
				}},
			}},
			Handler: okHandler(),
		})
		if err != nil {
			t.Fatalf("run %d: new server: %v", i, err)
		}
		if err := srv.Start(context.Background()); err != nil {
			t.Fatalf("run %d: start: %v", i, err)
		}
		addr := srv.Addrs()[0].String()
		client := pki.httpsClient()
		for j := 0; j < 3; j++ {
			resp := mustGet(t, client, "https://"+addr)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("run %d: status = %d, want 200", i, resp.StatusCode)
			}
		}
		if err := srv.Stop(context.Background()); err != nil {
			t.Fatalf("run %d: stop after traffic: %v", i, err)
		}
	}
}

func TestUpdateCertificateHotSwap(t *testing.T) {
	pki := newTestPKI(t)
	ts := startTLSServer(t, pki, nil)
	addr := ts.Addr().String()

	before := leafDigest(t, addr)

	replacement, err := pki.ca.IssueServer([]string{"localhost", "127.0.0.1"}, "replacement", time.Hour)
	if err != nil {
		t.Fatalf("issue replacement: %v", err)
	}
	if err := ts.Server.UpdateCertificate(replacement.CertPEM, replacement.KeyPEM); err != nil {
		t.Fatalf("update certificate: %v", err)
	}

	after := leafDigest(t, addr)
	if before == after {
		t.Fatal("served certificate unchanged after update")
	}
	// the new chain still verifies for regular clients
	resp := mustGet(t, pki.httpsClient(), ts.BaseURL)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestUpdateCertificateRejectsBadPair(t *testing.T) {
	pki := newTestPKI(t)
	ts := startTLSServer(t, pki, nil)
	addr := ts.Addr().String()

	before := leafDigest(t, addr)
	other, err := pki.ca.IssueServer([]string{"localhost"}, "other", time.Hour)
	if err != nil {
		t.Fatalf("issue other: %v", err)
	}
	if err := ts.Server.UpdateCertificate(other.CertPEM, pki.server.KeyPEM); err == nil {
		t.Fatal("mismatched pair accepted")
	}
	if after := leafDigest(t, addr); before != after {
		t.Fatal("failed update changed the served certificate")
	}
}

func TestUpdateTLSCredentialsReloadsFiles(t *testing.T) {
	pki := newTestPKI(t)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.pem")
	writeCombinedPEM(t, certPath, pki.server)

	ts := StartTestServer(t, WithTestConfig(Config{
		Listeners: []ListenSpec{{
			Addr:      "127.0.0.1:0",
			StrictTLS: true,
			TLS:       []TLSConfig{{CertFile: certPath, Default: true}},
		}},
		Handler: okHandler(),
	}))
	addr := ts.Addr().String()
	before := leafDigest(t, addr)

	replacement, err := pki.ca.IssueServer([]string{"localhost", "127.0.0.1"}, "rotated", time.Hour)
	if err != nil {
		t.Fatalf("issue replacement: %v", err)
	}
	writeCombinedPEM(t, certPath, replacement)
	if err := ts.Server.UpdateTLSCredentials(); err != nil {
		t.Fatalf("update credentials: %v", err)
	}
	if after := leafDigest(t, addr); before == after {
		t.Fatal("served certificate unchanged after reload")
	}
}

func TestWatchCredentialsReloadsOnFileChange(t *testing.T) {
	pki := newTestPKI(t)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.pem")
	writeCombinedPEM(t, certPath, pki.server)

	ts := StartTestServer(t, WithTestConfig(Config{
		Listeners: []ListenSpec{{
			Addr:      "127.0.0.1:0",
			StrictTLS: true,
			TLS:       []TLSConfig{{CertFile: certPath, Default: true}},
		}},
		Handler:          okHandler(),
		WatchCredentials: true,
	}))
	addr := ts.Addr().String()
	before := leafDigest(t, addr)

	replacement, err := pki.ca.IssueServer([]string{"localhost", "127.0.0.1"}, "watched", time.Hour)
	if err != nil {
		t.Fatalf("issue replacement: %v", err)
	}
	writeCombinedPEM(t, certPath, replacement)

	waitFor(t, 5*time.Second, 100*time.Millisecond, func() bool {
		return leafDigest(t, addr) != before
	})
}

func TestWatchCredentialsSurvivesStartContextCancel(t *testing.T) {
	pki := newTestPKI(t)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.pem")
	writeCombinedPEM(t, certPath, pki.server)

	srv, err := NewServer(Config{
		Listeners: []ListenSpec{{
			Addr:      "127.0.0.1:0",
			StrictTLS: true,
			TLS:       []TLSConfig{{CertFile: certPath, Default: true}},
		}},
		Handler:          okHandler(),
		WatchCredentials: true,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop(context.Background())
	cancel()

	addr := srv.Addrs()[0].String()
	before := leafDigest(t, addr)

	replacement, err := pki.ca.IssueServer([]string{"localhost", "127.0.0.1"}, "post-cancel", time.Hour)
	if err != nil {
		t.Fatalf("issue replacement: %v", err)
	}
	writeCombinedPEM(t, certPath, replacement)
	waitFor(t, 5*time.Second, 100*time.Millisecond, func() bool {
		return leafDigest(t, addr) != before
	})
}

func TestSNISelectsIdentity(t *testing.T) {
	pki := newTestPKI(t)
	alpha, err := pki.ca.IssueServer([]string{"alpha.test"}, "alpha", time.Hour)
	if err != nil {
		t.Fatalf("issue alpha: %v", err)
	}
	beta, err := pki.ca.IssueServer([]string{"beta.test"}, "beta", time.Hour)
	if err != nil {
		t.Fatalf("issue beta: %v", err)
	}

	ts := StartTestServer(t, WithTestConfig(Config{
		Listeners: []ListenSpec{{
			Addr:      "127.0.0.1:0",
			StrictTLS: true,
			TLS: []TLSConfig{
				{CertPEM: alpha.CertPEM, KeyPEM: alpha.KeyPEM, Default: true},
				{CertPEM: beta.CertPEM, KeyPEM: beta.KeyPEM},
			},
		}},
		Handler: okHandler(),
	}))
	addr := ts.Addr().String()

	for sni, wantCN := range map[string]string{
		"alpha.test":   "alpha",
		"beta.test":    "beta",
		"unknown.test": "alpha", // default identity
	} {
		conn, err := tls.Dial("tcp", addr, &tls.Config{
			ServerName:         sni,
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Fatalf("dial with sni %q: %v", sni, err)
		}
		cn := conn.ConnectionState().PeerCertificates[0].Subject.CommonName
		conn.Close()
		if cn != wantCN {
			t.Fatalf("sni %q served %q, want %q", sni, cn, wantCN)
		}
	}
}

func TestStrictTLSFailsConstruction(t *testing.T) {
	_, err := NewServer(Config{
		Listeners: []ListenSpec{{
			Addr:      "127.0.0.1:0",
			StrictTLS: true,
			TLS:       []TLSConfig{{CertPEM: []byte("garbage"), KeyPEM: []byte("garbage")}},
		}},
		Handler: okHandler(),
	})
	if err == nil {
		t.Fatal("strict listener accepted unusable credentials")
	}
}

func TestNonStrictDegradesToPlaintext(t *testing.T) {
	ts := StartTestServer(t, WithTestConfig(Config{
		Listeners: []ListenSpec{{
			Addr: "127.0.0.1:0",
			TLS:  []TLSConfig{{CertPEM: []byte("garbage"), KeyPEM: []byte("garbage")}},
		}},
		Handler: okHandler(),
	}))

	resp := mustGet(t, &http.Client{Timeout: 2 * time.Second}, "http://"+ts.Addr().String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("plaintext status = %d, want 200", resp.StatusCode)
	}
}

func TestH2NegotiatedOverTLS(t *testing.T) {
	pki := newTestPKI(t)
	ts := startTLSServer(t, pki, func(cfg *Config) {
		cfg.Listeners[0].Protocol = ProtocolH2
	})

	transport := &http.Transport{
		TLSClientConfig:   pki.clientConfig(),
		ForceAttemptHTTP2: true,
	}
	client := &http.Client{Transport: transport}
	resp := mustGet(t, client, ts.BaseURL)
	if resp.ProtoMajor != 2 {
		t.Fatalf("negotiated %s, want HTTP/2", resp.Proto)
	}
}

func TestH2COverPlaintext(t *testing.T) {
	ts := StartTestServer(t, WithTestConfig(Config{
		Listeners: []ListenSpec{{Addr: "127.0.0.1:0", Protocol: ProtocolH2}},
		Handler:   okHandler(),
	}))

	client := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
	resp := mustGet(t, client, "http://"+ts.Addr().String())
	if resp.ProtoMajor != 2 {
		t.Fatalf("negotiated %s, want HTTP/2", resp.Proto)
	}
}

func writeCombinedPEM(t *testing.T, path string, cert tlsutil.IssuedCert) {
	t.Helper()
	combined := append(append([]byte(nil), cert.CertPEM...), cert.KeyPEM...)
	if err := os.WriteFile(path, combined, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
