package httpapi

import "context"

// serverBaseCtx is cancelled on shutdown so blocking reads end with it.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts returns a context cancelled when either a or b is done. The
// cancel func must be called when the handler returns.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(b)
	stop := context.AfterFunc(a, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// waitContext derives the context for a blocking variable read.
func waitContext(reqCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := joinContexts(serverBaseCtx, reqCtx)
	if varWaitTimeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, varWaitTimeout)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

// clientGone reports whether the caller or the server ended the request.
func clientGone(reqCtx context.Context) bool {
	return reqCtx.Err() != nil || serverBaseCtx.Err() != nil
}
