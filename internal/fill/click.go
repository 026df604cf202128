package fill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/browser/dom"
	"github.com/xkilldash9x/casefill/internal/waitfor"
)

var ErrStepMissing = errors.New("click-sequence step not found")

const (
	strategyClickElement  = "click-element"
	strategyClickSequence = "click-sequence"
)

// clickElement clicks the mapped element. A click on a popup trigger is really a choice,
// so it is routed through the popup strategy with the mapping's semantic value.
func (e *Engine) clickElement(ctx context.Context, m schemas.FieldMapping) (string, dom.Ref, error) {
	el, err := e.resolve(ctx, m.Locator)
	if err != nil {
		return strategyClickElement, "", err
	}
	e.signal(ctx, el.Ref, colorPending)
	if el.Disabled {
		return strategyClickElement, el.Ref, ErrElementDisabled
	}

	if value := m.SemanticValue(); value != "" {
		trigger, err := e.popupTrigger(ctx, el)
		if err != nil {
			return strategyClickElement, el.Ref, err
		}
		if trigger != nil {
			return "popup-select", el.Ref, fillPopup(ctx, e, *trigger, value)
		}
	}

	if err := e.page.Dispatch(ctx, el.Ref, "mousedown"); err != nil {
		return strategyClickElement, el.Ref, err
	}
	if err := e.page.Click(ctx, el.Ref); err != nil {
		return strategyClickElement, el.Ref, fmt.Errorf("failed to click: %w", err)
	}
	return strategyClickElement, el.Ref, e.settle(ctx)
}

// clickSequence clicks each step in order. A missing step fails the whole field.
func (e *Engine) clickSequence(ctx context.Context, m schemas.FieldMapping) (string, dom.Ref, error) {
	if len(m.Steps) == 0 {
		return strategyClickSequence, "", fmt.Errorf("%w: sequence has no steps", ErrStepMissing)
	}

	var last dom.Element
	for i, step := range m.Steps {
		el, err := e.resolve(ctx, step.Locator)
		if errors.Is(err, ErrElementNotFound) {
			return strategyClickSequence, last.Ref, fmt.Errorf("%w: step %d of %d (%s) locator %q",
				ErrStepMissing, i+1, len(m.Steps), stepName(step), step.Locator)
		}
		if err != nil {
			return strategyClickSequence, last.Ref, err
		}
		if err := e.page.Click(ctx, el.Ref); err != nil {
			return strategyClickSequence, el.Ref, fmt.Errorf("failed to click step %d: %w", i+1, err)
		}
		last = el

		delay := e.opts.StepDelay
		if step.DelayMs > 0 {
			delay = time.Duration(step.DelayMs) * time.Millisecond
		}
		if err := waitfor.Sleep(ctx, delay); err != nil {
			return strategyClickSequence, el.Ref, err
		}
	}
	return strategyClickSequence, last.Ref, e.page.Dispatch(ctx, last.Ref, "change", "input")
}

func stepName(s schemas.InteractionStep) string {
	if s.Description != "" {
		return s.Description
	}
	return "unnamed"
}
