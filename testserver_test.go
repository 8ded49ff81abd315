package httpcore

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestNewTestServerDefaults(t *testing.T) {
	ts, err := NewTestServer(context.Background())
	if err != nil {
		t.Fatalf("new test server: %v", err)
	}
	defer ts.Stop(context.Background())

	if !strings.HasPrefix(ts.BaseURL, "http://127.0.0.1:") {
		t.Fatalf("base url = %q, want plaintext loopback", ts.BaseURL)
	}
	resp := mustGet(t, http.DefaultClient, ts.BaseURL)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestNewTestServerRespectsHandler(t *testing.T) {
	ts, err := NewTestServer(context.Background(),
		WithTestHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})),
	)
	if err != nil {
		t.Fatalf("new test server: %v", err)
	}
	defer ts.Stop(context.Background())

	resp := mustGet(t, http.DefaultClient, ts.BaseURL)
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", resp.StatusCode)
	}
}

func TestNewTestServerFailsOnBadConfig(t *testing.T) {
	_, err := NewTestServer(context.Background(),
		WithTestListeners(ListenSpec{Addr: ":0", Network: "udp"}),
		WithTestStartTimeout(time.Second),
	)
	if err == nil {
		t.Fatal("expected error for unusable config")
	}
}

func TestTestServerStopIsIdempotent(t *testing.T) {
	ts, err := NewTestServer(context.Background())
	if err != nil {
		t.Fatalf("new test server: %v", err)
	}
	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestComputeBaseURLSchemes(t *testing.T) {
	tsHTTPS := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		pki := newTestPKI(t)
		cfg.Listeners = []ListenSpec{{
			Addr:      "127.0.0.1:0",
			StrictTLS: true,
			TLS: []TLSConfig{{
				CertPEM: pki.server.CertPEM,
				KeyPEM:  pki.server.KeyPEM,
				Default: true,
			}},
		}}
	}))
	if !strings.HasPrefix(tsHTTPS.BaseURL, "https://") {
		t.Fatalf("tls base url = %q, want https scheme", tsHTTPS.BaseURL)
	}
}
