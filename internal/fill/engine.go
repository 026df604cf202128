// Package fill applies one FieldMapping to a live page. Failures never escape as errors:
// every attempt ends in an Outcome of filled, skipped or failed.
package fill

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/browser/dom"
	"github.com/xkilldash9x/casefill/internal/config"
	"github.com/xkilldash9x/casefill/internal/waitfor"
)

var (
	ErrElementNotFound    = errors.New("element not found")
	ErrOptionNotFound     = errors.New("option not found")
	ErrPopupNotOpened     = errors.New("popup did not open")
	ErrUnsupportedElement = errors.New("unsupported element")
	ErrElementDisabled    = errors.New("element is disabled")
)

// Options tunes an Engine.
type Options struct {
	ConfidenceThreshold float64
	SettleDelay         time.Duration
	StepDelay           time.Duration
	HighlightDuration   time.Duration
	Popup               waitfor.Policy
	PopupCloseWait      time.Duration
	TriggerClass        string
}

// OptionsFromConfig maps the fill configuration section onto Options.
func OptionsFromConfig(cfg config.FillConfig) Options {
	return Options{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		SettleDelay:         cfg.SettleDelay,
		StepDelay:           cfg.StepDelay,
		HighlightDuration:   cfg.HighlightDuration,
		Popup: waitfor.Policy{
			Initial:    cfg.Popup.InitialInterval,
			Max:        cfg.Popup.MaxInterval,
			Multiplier: cfg.Popup.Multiplier,
			Timeout:    cfg.Popup.Timeout,
		},
		PopupCloseWait: cfg.Popup.CloseWait,
		TriggerClass:   cfg.Popup.TriggerClass,
	}
}

// Outcome is the result of one Fill call.
type Outcome struct {
	FieldPath string
	Label     string
	Locator   string
	Status    schemas.FieldOutcome
	Reason    string
	// Strategy names the family or click strategy that ran, empty when gated.
	Strategy string
}

// Result converts the outcome into its progress representation.
func (o Outcome) Result(round int) schemas.FieldResult {
	return schemas.FieldResult{
		FieldPath: o.FieldPath,
		Label:     o.Label,
		Locator:   o.Locator,
		Outcome:   o.Status,
		Reason:    o.Reason,
		Round:     round,
	}
}

// Engine fills fields on one page.
type Engine struct {
	page     dom.Page
	opts     Options
	families []Family
	logger   *zap.Logger
}

// New creates an Engine with the default family registry.
func New(page dom.Page, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		page:     page,
		opts:     opts,
		families: DefaultFamilies(),
		logger:   logger.Named("fill"),
	}
}

// Families exposes the registry in dispatch order.
func (e *Engine) Families() []Family { return e.families }

// Fill applies m to the page.
func (e *Engine) Fill(ctx context.Context, m schemas.FieldMapping) Outcome {
	out := Outcome{FieldPath: m.FieldPath, Label: m.Label, Locator: m.Locator}

	if m.Confidence < e.opts.ConfidenceThreshold {
		out.Status = schemas.OutcomeSkipped
		out.Reason = fmt.Sprintf("confidence %d%% below threshold %d%%",
			percent(m.Confidence), percent(e.opts.ConfidenceThreshold))
		e.logger.Debug("Field skipped.", zap.String("field", m.FieldPath), zap.String("reason", out.Reason))
		return out
	}

	var (
		strategy string
		feedback dom.Ref
		err      error
	)
	switch m.Kind {
	case schemas.KindClickElement:
		strategy, feedback, err = e.clickElement(ctx, m)
	case schemas.KindClickSequence:
		strategy, feedback, err = e.clickSequence(ctx, m)
	default:
		strategy, feedback, err = e.fillValue(ctx, m)
	}
	out.Strategy = strategy

	if err != nil {
		out.Status = schemas.OutcomeFailed
		out.Reason = err.Error()
		e.signal(ctx, feedback, colorFailure)
		e.logger.Info("Field failed.",
			zap.String("field", m.FieldPath),
			zap.String("strategy", strategy),
			zap.String("locator", m.Locator),
			zap.Error(err))
		return out
	}

	out.Status = schemas.OutcomeFilled
	e.signal(ctx, feedback, colorSuccess)
	e.logger.Debug("Field filled.", zap.String("field", m.FieldPath), zap.String("strategy", strategy))
	return out
}

// fillValue resolves the mapping's element and hands it to the first family that claims it.
func (e *Engine) fillValue(ctx context.Context, m schemas.FieldMapping) (string, dom.Ref, error) {
	el, err := e.resolve(ctx, m.Locator)
	if err != nil {
		return "", "", err
	}
	e.signal(ctx, el.Ref, colorPending)
	if el.Disabled {
		return "", el.Ref, ErrElementDisabled
	}

	for _, fam := range e.families {
		trigger, err := fam.Detect(ctx, e, el, m)
		if err != nil {
			return fam.Name, el.Ref, err
		}
		if trigger == nil {
			continue
		}
		err = e.fillWithFallback(ctx, fam, *trigger, m)
		if err == nil {
			err = waitfor.Sleep(ctx, e.opts.SettleDelay)
		}
		return fam.Name, el.Ref, err
	}
	return "", el.Ref, fmt.Errorf("%w: <%s type=%q role=%q>", ErrUnsupportedElement, el.Tag, el.InputType(), el.Role())
}

// fillWithFallback tries the display value first and the raw semantic value when the
// display value names no option.
func (e *Engine) fillWithFallback(ctx context.Context, fam Family, trigger dom.Element, m schemas.FieldMapping) error {
	primary, raw := valueOf(m), m.SemanticValue()
	err := fam.Fill(ctx, e, trigger, primary)
	if err != nil && errors.Is(err, ErrOptionNotFound) && raw != "" && raw != primary {
		if retryErr := fam.Fill(ctx, e, trigger, raw); retryErr == nil {
			return nil
		}
	}
	return err
}

func valueOf(m schemas.FieldMapping) string {
	if m.DisplayValue != "" {
		return m.DisplayValue
	}
	return m.SemanticValue()
}

// resolve returns the first element matching locator.
func (e *Engine) resolve(ctx context.Context, locator string) (dom.Element, error) {
	els, err := e.page.Query(ctx, locator)
	if err != nil {
		return dom.Element{}, fmt.Errorf("failed to query %q: %w", locator, err)
	}
	if len(els) == 0 {
		return dom.Element{}, fmt.Errorf("%w for locator %q", ErrElementNotFound, locator)
	}
	return els[0], nil
}

func (e *Engine) settle(ctx context.Context) error {
	return waitfor.Sleep(ctx, e.opts.SettleDelay)
}

func percent(f float64) int {
	return int(math.Round(f * 100))
}
