package httpapi

import (
	"context"
	"net/http"
)

// baseCtx is the daemon lifetime. cmd/mlxrd cancels it on shutdown so
// in-flight generations stop instead of outliving the listener.
var baseCtx = context.Background()

// SetBaseContext installs the daemon lifetime context. A nil ctx resets
// to Background (tests).
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	baseCtx = ctx
}

// generationContext derives the context one generation runs under: it
// ends when the client disconnects or the daemon shuts down, whichever
// comes first. Deriving from the request context keeps chi's request id
// and any per-request deadline visible to the daemon. The returned stop
// must be called when the handler returns.
func generationContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	unhook := context.AfterFunc(baseCtx, cancel)
	return ctx, func() {
		unhook()
		cancel()
	}
}
