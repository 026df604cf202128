// browser/dom/page.go
package dom

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Attributes stamped into the live document. Both are removed by ClearMarks.
const (
	IndexAttr = "data-cf-idx"
	RefAttr   = "data-cf-ref"
)

// ErrNotFound is returned when a ref or locator no longer resolves to an element.
var ErrNotFound = errors.New("element not found")

// Ref is an opaque handle to one element, valid until ClearMarks or navigation.
type Ref string

// Page is the set of DOM primitives the extractor and the fill engine are written against.
// A Chromium tab implements it over CDP; HTMLPage implements it over a parsed document.
//
// Locators passed to Query are CSS selectors, or XPath when they start with "/", "(" or
// "xpath=". Selectors passed to QueryWithin and Closest are always CSS.
type Page interface {
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)

	// Collect stamps IndexAttr on every element of the body (renumbering from zero on each
	// call) and returns the body as a raw tree.
	Collect(ctx context.Context) (*RawDocument, error)

	Query(ctx context.Context, locator string) ([]Element, error)
	QueryWithin(ctx context.Context, root Ref, selector string) ([]Element, error)
	// Closest walks from ref (depth 0) towards the root for at most maxDepth levels and
	// returns the first element matching selector, or nil. maxDepth <= 0 is unbounded.
	Closest(ctx context.Context, ref Ref, selector string, maxDepth int) (*Element, error)
	Describe(ctx context.Context, ref Ref) (Element, error)

	Focus(ctx context.Context, ref Ref) error
	// SetValue writes through the element prototype's native value setter.
	SetValue(ctx context.Context, ref Ref, value string) error
	SetChecked(ctx context.Context, ref Ref, checked bool) error
	// SelectOption selects the index-th option of a <select> through option.selected, the
	// native value setter and selectedIndex.
	SelectOption(ctx context.Context, ref Ref, index int) error
	// Dispatch fires bubbling events in order. Mouse event names produce MouseEvents.
	Dispatch(ctx context.Context, ref Ref, events ...string) error
	// Click invokes the element's activation behavior (HTMLElement.click).
	Click(ctx context.Context, ref Ref) error
	// Highlight sets an outline color; the page clears it after clearAfter on its own.
	Highlight(ctx context.Context, ref Ref, color string, clearAfter time.Duration) error

	// ClearMarks removes every IndexAttr and RefAttr and invalidates all refs.
	ClearMarks(ctx context.Context) error
}

// Element is a point-in-time description of one DOM element.
type Element struct {
	Ref      Ref               `json:"ref"`
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Text     string            `json:"text,omitempty"`
	Value    string            `json:"value,omitempty"`
	Checked  bool              `json:"checked,omitempty"`
	Selected bool              `json:"selected,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
	// Visible is false for elements with an empty layout box or computed-hidden style.
	Visible bool `json:"visible"`
}

// Attr returns an attribute value or "".
func (e Element) Attr(name string) string {
	return e.Attrs[name]
}

// InputType is the lower-cased type attribute of an <input>, defaulting to "text".
func (e Element) InputType() string {
	if e.Tag != "input" {
		return ""
	}
	t := strings.ToLower(strings.TrimSpace(e.Attrs["type"]))
	if t == "" {
		return "text"
	}
	return t
}

// Role is the lower-cased ARIA role.
func (e Element) Role() string {
	return strings.ToLower(strings.TrimSpace(e.Attrs["role"]))
}

// HasClass reports whether the class attribute contains token.
func (e Element) HasClass(token string) bool {
	for _, c := range strings.Fields(e.Attrs["class"]) {
		if c == token {
			return true
		}
	}
	return false
}

func (e Element) IsNativeSelect() bool { return e.Tag == "select" }
func (e Element) IsNativeRadio() bool  { return e.InputType() == "radio" }
func (e Element) IsAriaRadio() bool    { return e.Role() == "radio" && e.Tag != "input" }

// IsCheckbox covers native checkboxes and role=checkbox widgets.
func (e Element) IsCheckbox() bool {
	return e.InputType() == "checkbox" || (e.Role() == "checkbox" && e.Tag != "input")
}

// IsTextLike reports a plain typed input or a textarea.
func (e Element) IsTextLike() bool {
	if e.Tag == "textarea" {
		return true
	}
	switch e.InputType() {
	case "text", "email", "tel", "number", "date", "datetime-local", "month", "week", "time",
		"search", "url", "password":
		return true
	}
	return false
}

// AriaChecked reads aria-checked for role-based widgets.
func (e Element) AriaChecked() bool {
	return strings.EqualFold(e.Attrs["aria-checked"], "true")
}
