package fill

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/browser/dom"
)

// DetectFunc inspects the element a mapping resolved to and returns the element the
// family operates on (the element itself, its group or its popup trigger), or nil when
// the family does not apply.
type DetectFunc func(ctx context.Context, e *Engine, el dom.Element, m schemas.FieldMapping) (*dom.Element, error)

// FillFunc writes value through the trigger Detect returned.
type FillFunc func(ctx context.Context, e *Engine, trigger dom.Element, value string) error

// Family is one kind of form control the engine knows how to drive.
type Family struct {
	Name   string
	Detect DetectFunc
	Fill   FillFunc
}

// DefaultFamilies returns the registry in dispatch order. The first family whose Detect
// claims the element wins, so the element on the page decides the strategy and the
// mapping's declared kind only breaks ties for ambiguous text inputs.
func DefaultFamilies() []Family {
	return []Family{
		{Name: "native-select", Detect: detectNativeSelect, Fill: fillNativeSelect},
		{Name: "native-radio", Detect: detectNativeRadio, Fill: fillNativeRadio},
		{Name: "checkbox", Detect: detectCheckbox, Fill: fillCheckbox},
		{Name: "aria-radio", Detect: detectAriaRadio, Fill: fillAriaRadio},
		{Name: "popup-select", Detect: detectPopup, Fill: fillPopup},
		{Name: "text", Detect: detectText, Fill: fillText},
	}
}

func self(el dom.Element) *dom.Element { return &el }

// -- native select --

func detectNativeSelect(_ context.Context, _ *Engine, el dom.Element, _ schemas.FieldMapping) (*dom.Element, error) {
	if el.IsNativeSelect() {
		return self(el), nil
	}
	return nil, nil
}

func fillNativeSelect(ctx context.Context, e *Engine, sel dom.Element, value string) error {
	opts, err := e.page.QueryWithin(ctx, sel.Ref, "option")
	if err != nil {
		return fmt.Errorf("failed to list options: %w", err)
	}
	idx := matchSelectOption(opts, value)
	if idx < 0 {
		return optionNotFound(value, optionTexts(opts))
	}

	if err := e.page.Focus(ctx, sel.Ref); err != nil {
		return err
	}
	if err := e.page.Dispatch(ctx, sel.Ref, "mousedown"); err != nil {
		return err
	}
	if err := e.page.SelectOption(ctx, sel.Ref, idx); err != nil {
		return fmt.Errorf("failed to select option %d: %w", idx, err)
	}
	return e.page.Dispatch(ctx, sel.Ref, "input", "change", "mouseup", "click", "blur")
}

// matchSelectOption tries exact text, exact value, then a substring match either way.
func matchSelectOption(opts []dom.Element, value string) int {
	want := normalize(value)
	if want == "" {
		return -1
	}
	for i, o := range opts {
		if normalize(o.Text) == want {
			return i
		}
	}
	for i, o := range opts {
		if normalize(optionValue(o)) == want {
			return i
		}
	}
	for i, o := range opts {
		text := normalize(o.Text)
		if text == "" {
			continue
		}
		if strings.Contains(text, want) || strings.Contains(want, text) {
			return i
		}
	}
	return -1
}

func optionValue(o dom.Element) string {
	if v, ok := o.Attrs["value"]; ok {
		return v
	}
	return o.Text
}

// -- native radio --

func detectNativeRadio(_ context.Context, _ *Engine, el dom.Element, _ schemas.FieldMapping) (*dom.Element, error) {
	if el.IsNativeRadio() {
		return self(el), nil
	}
	return nil, nil
}

func fillNativeRadio(ctx context.Context, e *Engine, radio dom.Element, value string) error {
	group := []dom.Element{radio}
	if name := radio.Attr("name"); name != "" {
		els, err := e.page.Query(ctx, `input[type="radio"][name=`+dom.QuoteAttr(name)+`]`)
		if err != nil {
			return fmt.Errorf("failed to query radio group %q: %w", name, err)
		}
		if len(els) > 0 {
			group = els
		}
	}

	labels := make([]*dom.Element, len(group))
	candidates := make([][]string, len(group))
	for i, r := range group {
		label, err := e.labelFor(ctx, r)
		if err != nil {
			return err
		}
		labels[i] = label
		candidates[i] = []string{r.Attr("value")}
		if label != nil {
			candidates[i] = append(candidates[i], label.Text)
		}
	}

	best, score := Best(value, candidates)
	if best < 0 {
		names := make([]string, 0, len(candidates))
		for _, c := range candidates {
			names = append(names, strings.Join(nonEmpty(c), "/"))
		}
		return optionNotFound(value, names)
	}
	winner := group[best]
	e.logger.Debug("Radio matched.", zapValue(value), zapScore(score), zapRef(winner.Ref))

	target := winner.Ref
	if !winner.Visible && labels[best] != nil {
		target = labels[best].Ref
	}
	if err := e.page.Click(ctx, target); err != nil {
		return fmt.Errorf("failed to click radio: %w", err)
	}
	if err := e.page.SetChecked(ctx, winner.Ref, true); err != nil {
		return err
	}
	return e.page.Dispatch(ctx, winner.Ref, "input", "change")
}

// labelFor finds an enclosing label, then label[for=id].
func (e *Engine) labelFor(ctx context.Context, el dom.Element) (*dom.Element, error) {
	label, err := e.page.Closest(ctx, el.Ref, "label", 3)
	if err != nil {
		return nil, fmt.Errorf("failed to find label: %w", err)
	}
	if label != nil {
		return label, nil
	}
	if id := el.Attr("id"); id != "" {
		els, err := e.page.Query(ctx, `label[for=`+dom.QuoteAttr(id)+`]`)
		if err != nil {
			return nil, fmt.Errorf("failed to find label: %w", err)
		}
		if len(els) > 0 {
			return &els[0], nil
		}
	}
	return nil, nil
}

// -- checkbox --

func detectCheckbox(_ context.Context, _ *Engine, el dom.Element, _ schemas.FieldMapping) (*dom.Element, error) {
	if el.IsCheckbox() {
		return self(el), nil
	}
	return nil, nil
}

func fillCheckbox(ctx context.Context, e *Engine, box dom.Element, value string) error {
	want := Truthy(value)
	if isChecked(box) == want {
		return nil
	}

	target := box.Ref
	if !box.Visible {
		label, err := e.labelFor(ctx, box)
		if err != nil {
			return err
		}
		if label != nil {
			target = label.Ref
		}
	}
	if err := e.page.Click(ctx, target); err != nil {
		return fmt.Errorf("failed to click checkbox: %w", err)
	}
	if err := e.settle(ctx); err != nil {
		return err
	}

	after, err := e.page.Describe(ctx, box.Ref)
	if err != nil {
		return fmt.Errorf("failed to re-read checkbox: %w", err)
	}
	if isChecked(after) == want {
		return nil
	}
	if box.InputType() != "checkbox" {
		return fmt.Errorf("checkbox did not toggle to %t", want)
	}
	if err := e.page.SetChecked(ctx, box.Ref, want); err != nil {
		return err
	}
	return e.page.Dispatch(ctx, box.Ref, "change", "click")
}

func isChecked(el dom.Element) bool {
	if el.InputType() == "checkbox" {
		return el.Checked
	}
	return el.AriaChecked()
}

// -- ARIA radio --

func detectAriaRadio(ctx context.Context, e *Engine, el dom.Element, _ schemas.FieldMapping) (*dom.Element, error) {
	switch {
	case el.Role() == "radiogroup":
		return self(el), nil
	case el.IsAriaRadio():
		group, err := e.page.Closest(ctx, el.Ref, `[role="radiogroup"]`, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to find radiogroup: %w", err)
		}
		if group != nil {
			return group, nil
		}
		return self(el), nil
	}
	return nil, nil
}

func fillAriaRadio(ctx context.Context, e *Engine, group dom.Element, value string) error {
	radios := []dom.Element{group}
	if group.Role() == "radiogroup" {
		els, err := e.page.QueryWithin(ctx, group.Ref, `[role="radio"]`)
		if err != nil {
			return fmt.Errorf("failed to list radios: %w", err)
		}
		radios = els
	}

	candidates := make([][]string, len(radios))
	for i, r := range radios {
		candidates[i] = []string{r.Text, r.Attr("aria-label"), r.Attr("data-value")}
	}
	best, score := Best(value, candidates)
	if best < 0 {
		return optionNotFound(value, optionTexts(radios))
	}
	winner := radios[best]
	e.logger.Debug("ARIA radio matched.", zapValue(value), zapScore(score), zapRef(winner.Ref))

	if err := e.page.Click(ctx, winner.Ref); err != nil {
		return fmt.Errorf("failed to click radio: %w", err)
	}
	return e.page.Dispatch(ctx, winner.Ref, "change", "input")
}

// -- text --

func detectText(_ context.Context, _ *Engine, el dom.Element, _ schemas.FieldMapping) (*dom.Element, error) {
	if el.IsTextLike() || el.Attr("contenteditable") == "true" {
		return self(el), nil
	}
	return nil, nil
}

func fillText(ctx context.Context, e *Engine, el dom.Element, value string) error {
	if el.InputType() == "date" {
		value = isoDate(value)
	}
	if err := e.page.Focus(ctx, el.Ref); err != nil {
		return err
	}
	if err := e.page.SetValue(ctx, el.Ref, value); err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}
	return e.page.Dispatch(ctx, el.Ref, "input", "change", "blur")
}

var usDate = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)

// isoDate rewrites MM/DD/YYYY into the YYYY-MM-DD form date inputs accept.
func isoDate(v string) string {
	m := usDate.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return v
	}
	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	return fmt.Sprintf("%s-%02d-%02d", m[3], month, day)
}

// -- shared --

func optionNotFound(value string, available []string) error {
	return fmt.Errorf("%w: %q (available: %s)", ErrOptionNotFound, value, strings.Join(nonEmpty(available), ", "))
}

func optionTexts(els []dom.Element) []string {
	out := make([]string, 0, len(els))
	for _, el := range els {
		out = append(out, el.Text)
	}
	return out
}

func nonEmpty(ss []string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
