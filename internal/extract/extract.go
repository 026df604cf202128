// Package extract turns a live page into the DOMSnapshot sent to the mapping service:
// an ordered list of fillable fields plus a size-bounded compact rendering of the body.
package extract

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/browser/dom"
	"github.com/xkilldash9x/casefill/internal/config"
)

// TruncationMarker is appended to markup cut at the hard cap.
const TruncationMarker = "<!-- casefill:truncated -->"

// Extractor produces DOM snapshots. It is stateless between calls.
type Extractor struct {
	logger  *zap.Logger
	compact compactOptions
}

// New builds an Extractor from the snapshot configuration.
func New(logger *zap.Logger, cfg config.SnapshotConfig) (*Extractor, error) {
	pattern, err := regexp.Compile(cfg.ClassPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid class pattern: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		logger: logger.Named("extract"),
		compact: compactOptions{
			softCap:      cfg.SoftCap,
			hardCap:      cfg.HardCap,
			maxClasses:   cfg.MaxClassTokens,
			classPattern: pattern,
		},
	}, nil
}

// Extract stamps the page and captures a snapshot. The stamped index attributes stay in
// the page so the mapping service can address elements by them; callers remove them with
// Page.ClearMarks when the fill run ends.
func (e *Extractor) Extract(ctx context.Context, page dom.Page) (*schemas.DOMSnapshot, error) {
	raw, err := page.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect document: %w", err)
	}
	raw.Link()

	fields := Fields(raw)
	markup, truncated := Compact(raw.Body, e.compact)

	e.logger.Debug("Snapshot captured.",
		zap.String("url", raw.URL),
		zap.Int("fields", len(fields)),
		zap.Int("markup_bytes", len(markup)),
		zap.Bool("truncated", truncated),
	)

	return &schemas.DOMSnapshot{
		URL:             raw.URL,
		Title:           raw.Title,
		Fields:          fields,
		Markup:          markup,
		MarkupTruncated: truncated,
		CapturedAt:      time.Now().UTC(),
	}, nil
}
