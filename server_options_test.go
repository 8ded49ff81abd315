package httpcore

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/httpcore/admission"
)

func TestWithFilterChainsAfterConfigured(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) admission.Filter {
		return func(admission.Info) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	ts := StartTestServer(t,
		WithTestConfig(Config{
			Listeners: []ListenSpec{{Addr: "127.0.0.1:0"}},
			Handler:   okHandler(),
			Filter:    record("configured"),
		}),
		WithTestServerOptions(WithFilter(record("option"))),
	)

	resp := mustGet(t, http.DefaultClient, ts.BaseURL)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 || order[0] != "configured" || order[1] != "option" {
		t.Fatalf("filter order = %v, want configured before option", order)
	}
}

func TestWithFilterVetoCloses(t *testing.T) {
	ts := StartTestServer(t,
		WithTestListeners(ListenSpec{Addr: "127.0.0.1:0"}),
		WithTestHandler(okHandler()),
		WithTestServerOptions(WithFilter(func(admission.Info) error {
			return fmt.Errorf("%w: test veto", admission.ErrRejected)
		})),
	)
	if _, err := http.Get(ts.BaseURL); err == nil {
		t.Fatal("vetoed connection served a response")
	}
}

func TestWithRegistryExposesConnectionMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	ts := StartTestServer(t,
		WithTestListeners(ListenSpec{Addr: "127.0.0.1:0"}),
		WithTestHandler(okHandler()),
		WithTestServerOptions(WithRegistry(registry)),
	)

	resp := mustGet(t, http.DefaultClient, ts.BaseURL)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sawAccepted, sawAdmitted bool
	for _, fam := range families {
		switch {
		case strings.HasSuffix(fam.GetName(), "connections_accepted_total"):
			sawAccepted = true
		case strings.HasSuffix(fam.GetName(), "connections_admitted_total"):
			sawAdmitted = true
		}
	}
	if !sawAccepted || !sawAdmitted {
		t.Fatalf("connection counters missing from registry (accepted=%t admitted=%t)",
			sawAccepted, sawAdmitted)
	}
}

func counterTotal(t *testing.T, registry *prometheus.Registry, suffix string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, fam := range families {
		if !strings.HasSuffix(fam.GetName(), suffix) {
			continue
		}
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestRejectedCounterCountsHandshakeFailures(t *testing.T) {
	pki := newTestPKI(t)
	registry := prometheus.NewRegistry()
	ts := StartTestServer(t,
		WithTestConfig(Config{
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
		}),
		WithTestServerOptions(WithRegistry(registry)),
	)

	client := &http.Client{Timeout: 2 * time.Second}
	if _, err := client.Get("http://" + ts.Addr().String()); err == nil {
		t.Fatal("plaintext request succeeded on a TLS-only port")
	}
	// every admission veto counts, not only user-filter ones
	waitFor(t, 2*time.Second, 50*time.Millisecond, func() bool {
		return counterTotal(t, registry, "connections_rejected_total") >= 1
	})
	waitFor(t, 2*time.Second, 50*time.Millisecond, func() bool {
		return counterTotal(t, registry, "tls_handshake_failures_total") >= 1
	})
}

func TestChainLifecycleHooksFireAcrossServerLifecycle(t *testing.T) {
	var events []string
	chain := NewHandlerChain(
		&recordingFactory{name: "metrics", events: &events},
		&recordingFactory{name: "auth", events: &events},
	)
	srv, err := NewServer(Config{
		Listeners: []ListenSpec{{Addr: "127.0.0.1:0"}},
		Handler:   okHandler(),
		Chain:     chain,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// repeated stops must not refire hooks
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("redundant stop: %v", err)
	}

	want := []string{"start:metrics", "start:auth", "stop:auth", "stop:metrics"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}
