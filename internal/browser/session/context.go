// internal/browser/session/context.go
package session

import (
	"context"
)

// CombineContext returns a context that carries tabCtx's values (the chromedp target) and
// is canceled when either tabCtx or opCtx is done. Every CDP call made on behalf of a
// caller goes through it so the caller's deadline applies without losing the target.
func CombineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancelCause(tabCtx)
	stop := context.AfterFunc(opCtx, func() {
		cancel(context.Cause(opCtx))
	})
	return combined, func() {
		stop()
		cancel(context.Canceled)
	}
}

// opErr prefers the caller's context error over the one chromedp surfaces when the
// combined context was canceled from the operational side.
func opErr(opCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := opCtx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
