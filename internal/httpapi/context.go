package httpapi

import (
	"context"
	"net/http"
)

// serverBaseCtx is cancelled on shutdown so long-lived streams end with the
// process. Defaults to Background if not set.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// streamContext returns a context cancelled when either the request or the
// server base context ends. The cancel func must be called when the handler
// returns.
func streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(serverBaseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// detachedContext returns a context that ignores the client going away but is
// still cancelled on server shutdown. Used by operations that must not stop
// halfway: deploys and stop-plus-reset.
func detachedContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(serverBaseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
