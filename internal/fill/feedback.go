package fill

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/internal/browser/dom"
)

// Outline colors.
const (
	colorPending = "#f59e0b"
	colorSuccess = "#16a34a"
	colorFailure = "#dc2626"
)

// signal outlines ref. Feedback is cosmetic, so failures are only logged.
func (e *Engine) signal(ctx context.Context, ref dom.Ref, color string) {
	if ref == "" {
		return
	}
	if err := e.page.Highlight(ctx, ref, color, e.opts.HighlightDuration); err != nil {
		e.logger.Debug("Failed to highlight element.", zapRef(ref), zap.Error(err))
	}
}

func zapRef(ref dom.Ref) zap.Field     { return zap.String("ref", string(ref)) }
func zapValue(v string) zap.Field      { return zap.String("value", v) }
func zapScore(score float64) zap.Field { return zap.Float64("score", score) }
