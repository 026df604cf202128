package fill

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/browser/dom"
	"github.com/xkilldash9x/casefill/internal/waitfor"
)

// popupShape is one way a framework renders an open option list, in discovery priority.
type popupShape struct {
	name     string
	selector string
}

var popupShapes = []popupShape{
	{name: "listbox", selector: `[role="listbox"]`},
	{name: "paper", selector: ".MuiPopover-paper, .MuiMenu-paper"},
	{name: "portal", selector: `.MuiModal-root, [role="presentation"]`},
}

const popupOptionSelector = `[role="option"], li`

// triggerAncestorDepth bounds the walk from a mapped element up to its popup trigger.
const triggerAncestorDepth = 5

func detectPopup(ctx context.Context, e *Engine, el dom.Element, m schemas.FieldMapping) (*dom.Element, error) {
	trigger, err := e.popupTrigger(ctx, el)
	if err != nil || trigger != nil {
		return trigger, err
	}
	if m.Kind.IsChoice() && el.Tag == "input" && (el.IsTextLike() || el.Role() == "combobox") {
		return self(el), nil
	}
	return nil, nil
}

// popupTrigger finds the element that opens a framework popup for el: an ancestor carrying
// the trigger class, a sibling trigger next to a framework's hidden native input, or el
// itself when it is a non-input combobox.
func (e *Engine) popupTrigger(ctx context.Context, el dom.Element) (*dom.Element, error) {
	cls := e.opts.TriggerClass
	if cls != "" {
		selector := "." + cls
		anc, err := e.page.Closest(ctx, el.Ref, selector, triggerAncestorDepth)
		if err != nil {
			return nil, fmt.Errorf("failed to look for popup trigger: %w", err)
		}
		if anc != nil {
			return anc, nil
		}
		if el.Tag == "input" {
			wrapper, err := e.page.Closest(ctx, el.Ref, ":has("+selector+")", 2)
			if err != nil {
				return nil, fmt.Errorf("failed to look for popup trigger: %w", err)
			}
			if wrapper != nil {
				sibs, err := e.page.QueryWithin(ctx, wrapper.Ref, selector)
				if err != nil {
					return nil, fmt.Errorf("failed to look for popup trigger: %w", err)
				}
				if len(sibs) > 0 {
					return &sibs[0], nil
				}
			}
		}
	}
	if el.Tag != "input" && (el.Role() == "combobox" || el.Attr("aria-haspopup") == "listbox") {
		return self(el), nil
	}
	return nil, nil
}

// fillPopup opens the popup, picks the best option and waits for the popup to close.
func fillPopup(ctx context.Context, e *Engine, trigger dom.Element, value string) error {
	before, err := e.openContainers(ctx)
	if err != nil {
		return err
	}

	if err := e.page.Dispatch(ctx, trigger.Ref, "mousedown"); err != nil {
		return fmt.Errorf("failed to open popup: %w", err)
	}
	if err := e.settle(ctx); err != nil {
		return err
	}
	container, err := e.waitForPopup(ctx, before)
	if errors.Is(err, waitfor.ErrTimeout) {
		e.logger.Debug("Popup did not open on mousedown, falling back to click.", zapRef(trigger.Ref))
		if err := e.page.Click(ctx, trigger.Ref); err != nil {
			return fmt.Errorf("failed to open popup: %w", err)
		}
		container, err = e.waitForPopup(ctx, before)
	}
	if errors.Is(err, waitfor.ErrTimeout) {
		return e.popupDiagnostic(ctx)
	}
	if err != nil {
		return err
	}

	opts, err := e.page.QueryWithin(ctx, container.Ref, popupOptionSelector)
	if err != nil {
		return fmt.Errorf("failed to list popup options: %w", err)
	}
	candidates := make([][]string, len(opts))
	for i, o := range opts {
		candidates[i] = []string{o.Text, o.Attr("data-value")}
	}
	best, score := Best(value, candidates)
	if best < 0 {
		e.closePopup(ctx, trigger)
		return optionNotFound(value, optionTexts(opts))
	}
	e.logger.Debug("Popup option matched.", zapValue(value), zapScore(score), zapRef(opts[best].Ref))

	if err := e.page.Click(ctx, opts[best].Ref); err != nil {
		return fmt.Errorf("failed to click popup option: %w", err)
	}
	return e.waitForClose(ctx, container.Ref)
}

// openContainers returns the refs of every visible container present right now.
func (e *Engine) openContainers(ctx context.Context) (map[dom.Ref]bool, error) {
	open := make(map[dom.Ref]bool)
	for _, shape := range popupShapes {
		els, err := e.page.Query(ctx, shape.selector)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s containers: %w", shape.name, err)
		}
		for _, el := range els {
			if el.Visible {
				open[el.Ref] = true
			}
		}
	}
	return open, nil
}

// waitForPopup polls for a visible container with options that was not open before.
func (e *Engine) waitForPopup(ctx context.Context, before map[dom.Ref]bool) (dom.Element, error) {
	return waitfor.Poll(ctx, e.opts.Popup, func(ctx context.Context) (dom.Element, bool, error) {
		for _, shape := range popupShapes {
			els, err := e.page.Query(ctx, shape.selector)
			if err != nil {
				return dom.Element{}, false, err
			}
			for _, el := range els {
				if !el.Visible || before[el.Ref] {
					continue
				}
				opts, err := e.page.QueryWithin(ctx, el.Ref, popupOptionSelector)
				if err != nil {
					return dom.Element{}, false, err
				}
				if len(opts) > 0 {
					return el, true, nil
				}
			}
		}
		return dom.Element{}, false, nil
	})
}

func (e *Engine) waitForClose(ctx context.Context, container dom.Ref) error {
	p := e.opts.Popup
	p.Timeout = e.opts.PopupCloseWait
	err := waitfor.Until(ctx, p, func(ctx context.Context) (bool, error) {
		el, err := e.page.Describe(ctx, container)
		if errors.Is(err, dom.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return !el.Visible, nil
	})
	if errors.Is(err, waitfor.ErrTimeout) {
		// Some menus stay mounted after a selection; the value is already committed.
		return nil
	}
	return err
}

func (e *Engine) closePopup(ctx context.Context, trigger dom.Element) {
	if err := e.page.Dispatch(ctx, trigger.Ref, "keydown", "blur"); err != nil {
		e.logger.Debug("Failed to close popup.", zapRef(trigger.Ref))
	}
}

// popupDiagnostic builds the failure reason listing how many containers of each shape are
// on the page, which tells a misdetected trigger apart from an unfamiliar popup.
func (e *Engine) popupDiagnostic(ctx context.Context) error {
	counts := make([]string, 0, len(popupShapes))
	for _, shape := range popupShapes {
		els, err := e.page.Query(ctx, shape.selector)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPopupNotOpened, err)
		}
		visible := 0
		for _, el := range els {
			if el.Visible {
				visible++
			}
		}
		counts = append(counts, fmt.Sprintf("%s=%d/%d", shape.name, visible, len(els)))
	}
	return fmt.Errorf("%w (visible/total: %s)", ErrPopupNotOpened, strings.Join(counts, " "))
}
