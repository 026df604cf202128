// internal/browser/session/page.go
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/browser/dom"
	"github.com/xkilldash9x/casefill/internal/driver"
)

const (
	helpersObject = "window.__casefill"
	overlayObject = "window.__casefillOverlay"
)

// Page is a live Chromium tab seen through the injected page helpers. It implements
// dom.Page for the extractor and the fill engine, and driver.View for the overlay.
type Page struct {
	ctx    context.Context
	tab    schemas.TabID
	logger *zap.Logger
}

var (
	_ dom.Page    = (*Page)(nil)
	_ driver.View = (*Page)(nil)
)

func newPage(tabCtx context.Context, tab schemas.TabID, logger *zap.Logger) *Page {
	return &Page{ctx: tabCtx, tab: tab, logger: logger.With(zap.String("tab", string(tab)))}
}

// Tab returns the CDP target id of the page.
func (p *Page) Tab() schemas.TabID { return p.tab }

func (p *Page) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read page location: %w", err)
	}
	return loc, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	var title string
	if err := p.run(ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("failed to read page title: %w", err)
	}
	return strings.Join(strings.Fields(title), " "), nil
}

func (p *Page) Collect(ctx context.Context) (*dom.RawDocument, error) {
	var doc dom.RawDocument
	if err := p.call(ctx, &doc, "collect"); err != nil {
		return nil, err
	}
	if doc.Body == nil {
		return nil, fmt.Errorf("page has no body")
	}
	doc.Link()
	return &doc, nil
}

func (p *Page) Query(ctx context.Context, locator string) ([]dom.Element, error) {
	var out []dom.Element
	if err := p.call(ctx, &out, "query", locator); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Page) QueryWithin(ctx context.Context, root dom.Ref, selector string) ([]dom.Element, error) {
	var out []dom.Element
	if err := p.call(ctx, &out, "queryWithin", root, selector); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Page) Closest(ctx context.Context, ref dom.Ref, selector string, maxDepth int) (*dom.Element, error) {
	// Wrapped so a miss comes back as an object instead of a bare null.
	var out struct {
		Element *dom.Element `json:"el"`
	}
	inner, err := callExpr(helpersObject, "closest", ref, selector, maxDepth)
	if err != nil {
		return nil, err
	}
	if err := p.eval(ctx, "({el: "+inner+"})", &out); err != nil {
		return nil, p.translate(err, "closest")
	}
	return out.Element, nil
}

func (p *Page) Describe(ctx context.Context, ref dom.Ref) (dom.Element, error) {
	var el dom.Element
	err := p.call(ctx, &el, "describe", ref)
	return el, err
}

func (p *Page) Focus(ctx context.Context, ref dom.Ref) error {
	return p.call(ctx, nil, "focus", ref)
}

func (p *Page) SetValue(ctx context.Context, ref dom.Ref, value string) error {
	return p.call(ctx, nil, "setValue", ref, value)
}

func (p *Page) SetChecked(ctx context.Context, ref dom.Ref, checked bool) error {
	return p.call(ctx, nil, "setChecked", ref, checked)
}

func (p *Page) SelectOption(ctx context.Context, ref dom.Ref, index int) error {
	return p.call(ctx, nil, "selectOption", ref, index)
}

func (p *Page) Dispatch(ctx context.Context, ref dom.Ref, events ...string) error {
	if len(events) == 0 {
		return nil
	}
	return p.call(ctx, nil, "dispatch", ref, events)
}

func (p *Page) Click(ctx context.Context, ref dom.Ref) error {
	return p.call(ctx, nil, "click", ref)
}

func (p *Page) Highlight(ctx context.Context, ref dom.Ref, color string, clearAfter time.Duration) error {
	return p.call(ctx, nil, "highlight", ref, color, clearAfter.Milliseconds())
}

func (p *Page) ClearMarks(ctx context.Context) error {
	return p.call(ctx, nil, "clearMarks")
}

// Render draws the overlay panel.
func (p *Page) Render(ctx context.Context, state driver.OverlayState, text string) error {
	expr, err := callExpr(overlayObject, "render", state, text)
	if err != nil {
		return err
	}
	if err := p.eval(ctx, expr, nil); err != nil {
		return fmt.Errorf("failed to render overlay: %w", err)
	}
	return nil
}

func (p *Page) call(ctx context.Context, out interface{}, fn string, args ...interface{}) error {
	expr, err := callExpr(helpersObject, fn, args...)
	if err != nil {
		return err
	}
	if err := p.eval(ctx, expr, out); err != nil {
		return p.translate(err, fn)
	}
	return nil
}

func (p *Page) eval(ctx context.Context, expr string, out interface{}) error {
	return p.run(ctx, chromedp.Evaluate(expr, out, func(params *runtime.EvaluateParams) *runtime.EvaluateParams {
		return params.WithAwaitPromise(true).WithUserGesture(true)
	}))
}

func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return opErr(ctx, chromedp.Run(runCtx, actions...))
}

// translate maps helper exceptions onto dom errors.
func (p *Page) translate(err error, fn string) error {
	if strings.Contains(err.Error(), "element not found") {
		return fmt.Errorf("%s: %w", fn, dom.ErrNotFound)
	}
	p.logger.Debug("Page helper call failed.", zap.String("fn", fn), zap.Error(err))
	return fmt.Errorf("page helper %s failed: %w", fn, err)
}

// callExpr renders `object.fn(args...)` with every argument JSON-encoded.
func callExpr(object, fn string, args ...interface{}) (string, error) {
	var b strings.Builder
	b.WriteString(object)
	b.WriteByte('.')
	b.WriteString(fn)
	b.WriteByte('(')
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("failed to encode argument %d of %s: %w", i, fn, err)
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.Write(raw)
	}
	b.WriteByte(')')
	return b.String(), nil
}
