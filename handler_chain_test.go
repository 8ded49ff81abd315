package httpcore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordingFactory struct {
	name   string
	events *[]string
}

func (f *recordingFactory) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*f.events = append(*f.events, "wrap:"+f.name)
		next.ServeHTTP(w, r)
	})
}

func (f *recordingFactory) OnServerStart(context.Context) {
	*f.events = append(*f.events, "start:"+f.name)
}

func (f *recordingFactory) OnServerStop() {
	*f.events = append(*f.events, "stop:"+f.name)
}

func TestHandlerChainBuildOrder(t *testing.T) {
	var events []string
	chain := NewHandlerChain(
		&recordingFactory{name: "outer", events: &events},
		&recordingFactory{name: "inner", events: &events},
	)
	handler := chain.Build(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		events = append(events, "terminal")
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := []string{"wrap:outer", "wrap:inner", "terminal"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestHandlerChainNilTerminalServes404(t *testing.T) {
	handler := NewHandlerChain().Build(nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandlerChainAppendLeavesReceiverUnchanged(t *testing.T) {
	var events []string
	base := NewHandlerChain(&recordingFactory{name: "a", events: &events})
	extended := base.Append(&recordingFactory{name: "b", events: &events})
	if base.Len() != 1 {
		t.Fatalf("base length = %d after Append, want 1", base.Len())
	}
	if extended.Len() != 2 {
		t.Fatalf("extended length = %d, want 2", extended.Len())
	}
}

func TestHandlerChainLifecycleHooks(t *testing.T) {
	var events []string
	chain := NewHandlerChain(
		&recordingFactory{name: "first", events: &events},
		&recordingFactory{name: "second", events: &events},
	)
	chain.fireStart(context.Background())
	chain.fireStop()

	want := []string{"start:first", "start:second", "stop:second", "stop:first"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestIdentityHeaderAbsentOnPlaintext(t *testing.T) {
	handler := NewHandlerChain(IdentityHeaderFactory()).Build(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get(ClientIdentityHeader); got != "" {
		t.Fatalf("identity header = %q on plaintext request, want empty", got)
	}
}
