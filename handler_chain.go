package httpcore

import (
	"context"
	"net/http"
)

// HandlerFactory contributes one decorator to the handler chain and is
// notified of server lifecycle transitions.
type HandlerFactory interface {
	// Wrap returns the decorated handler. Called once per Build.
	Wrap(next http.Handler) http.Handler
	// OnServerStart fires when the server transitions to running, in chain
	// order. The context is the one passed to Start.
	OnServerStart(ctx context.Context)
	// OnServerStop fires when the server has fully stopped, in reverse
	// chain order.
	OnServerStop()
}

// HandlerChain is an immutable ordered sequence of factories. The first
// factory added becomes the outermost wrapper.
type HandlerChain struct {
	factories []HandlerFactory
}

// NewHandlerChain builds a chain from factories in outermost-first order.
func NewHandlerChain(factories ...HandlerFactory) HandlerChain {
	return HandlerChain{factories: append([]HandlerFactory(nil), factories...)}
}

// Append returns a new chain with factory added innermost. The receiver is
// unchanged.
func (c HandlerChain) Append(factory HandlerFactory) HandlerChain {
	out := make([]HandlerFactory, 0, len(c.factories)+1)
	out = append(out, c.factories...)
	out = append(out, factory)
	return HandlerChain{factories: out}
}

// Len reports the number of factories in the chain.
func (c HandlerChain) Len() int { return len(c.factories) }

// Build composes the chain around terminal, right to left, so the first
// factory wraps everything else. A nil terminal gets a 404 handler.
func (c HandlerChain) Build(terminal http.Handler) http.Handler {
	if terminal == nil {
		terminal = http.NotFoundHandler()
	}
	handler := terminal
	for i := len(c.factories) - 1; i >= 0; i-- {
		handler = c.factories[i].Wrap(handler)
	}
	return handler
}

func (c HandlerChain) fireStart(ctx context.Context) {
	for _, f := range c.factories {
		f.OnServerStart(ctx)
	}
}

func (c HandlerChain) fireStop() {
	for i := len(c.factories) - 1; i >= 0; i-- {
		c.factories[i].OnServerStop()
	}
}

// MiddlewareFactory adapts a plain middleware function into a
// HandlerFactory with no lifecycle behavior.
type MiddlewareFactory func(next http.Handler) http.Handler

func (f MiddlewareFactory) Wrap(next http.Handler) http.Handler { return f(next) }
func (f MiddlewareFactory) OnServerStart(context.Context)       {}
func (f MiddlewareFactory) OnServerStop()                       {}

// ClientIdentityHeader is the response header set by IdentityHeaderFactory.
const ClientIdentityHeader = "X-Client-CN"

// IdentityHeaderFactory echoes the verified client certificate's common name
// into ClientIdentityHeader on every response, so callers behind the
// admission filter can see which identity was admitted.
func IdentityHeaderFactory() HandlerFactory {
	return MiddlewareFactory(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
				w.Header().Set(ClientIdentityHeader, r.TLS.PeerCertificates[0].Subject.CommonName)
			}
			next.ServeHTTP(w, r)
		})
	})
}
