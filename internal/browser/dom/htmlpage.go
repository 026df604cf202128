// browser/dom/htmlpage.go
package dom

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// HookFunc reacts to an event fired on a matching element. It runs without the page lock
// held, so it may call any HTMLPage method (typically AppendHTML to render a popup).
type HookFunc func(p *HTMLPage, target *html.Node)

type hook struct {
	event string
	sel   cascadia.Selector
	fn    HookFunc
}

// nodeState holds the live properties a browser keeps outside the attribute map.
type nodeState struct {
	value    string
	checked  bool
	selected bool
	outline  string
	events   []string
}

// HTMLPage is a Page over a parsed HTML document. It has no layout engine: visibility
// comes from the hidden attribute, inline display/visibility styles and explicit zero
// width/height. Mouse and change events run no page scripts; tests register hooks to
// emulate framework behavior.
type HTMLPage struct {
	mu      sync.Mutex
	url     string
	doc     *html.Node
	state   map[*html.Node]*nodeState
	refs    map[Ref]*html.Node
	nextRef int
	hooks   []hook
	focused *html.Node
}

var _ Page = (*HTMLPage)(nil)

// NewHTMLPage parses r as the document loaded from pageURL.
func NewHTMLPage(r io.Reader, pageURL string) (*HTMLPage, error) {
	doc, err := htmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	p := &HTMLPage{
		url:   pageURL,
		doc:   doc,
		state: make(map[*html.Node]*nodeState),
		refs:  make(map[Ref]*html.Node),
	}
	return p, nil
}

// NewHTMLPageString is NewHTMLPage for an in-memory document.
func NewHTMLPageString(markup, pageURL string) (*HTMLPage, error) {
	return NewHTMLPage(strings.NewReader(markup), pageURL)
}

// -- Page implementation --

func (p *HTMLPage) URL(ctx context.Context) (string, error) { return p.url, ctx.Err() }

func (p *HTMLPage) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := htmlquery.FindOne(p.doc, "//title")
	if t == nil {
		return "", ctx.Err()
	}
	return CollapseSpace(htmlquery.InnerText(t)), ctx.Err()
}

func (p *HTMLPage) Collect(ctx context.Context) (*RawDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	body := p.body()
	if body == nil {
		return nil, fmt.Errorf("document has no body")
	}
	// Every element in the document is numbered in document order; only the body
	// subtree is returned.
	idx := 0
	walkElements(p.doc, func(n *html.Node) {
		setAttr(n, IndexAttr, strconv.Itoa(idx))
		idx++
	})

	var build func(n *html.Node) *RawNode
	build = func(n *html.Node) *RawNode {
		switch n.Type {
		case html.TextNode:
			return &RawNode{Idx: -1, Tag: TextTag, Text: n.Data}
		case html.ElementNode:
		default:
			return nil
		}
		own, _ := strconv.Atoi(getAttr(n, IndexAttr))
		st := p.stateOf(n)
		w, h := 100.0, 20.0
		if zeroBox(n) {
			w, h = 0, 0
		}
		rn := &RawNode{
			Idx:      own,
			Tag:      strings.ToLower(n.Data),
			Value:    st.value,
			Checked:  st.checked,
			Selected: st.selected,
			Disabled: hasAttr(n, "disabled"),
			Width:    w,
			Height:   h,
			Hidden:   displayNone(n) || visibilityHidden(n),
		}
		for _, a := range n.Attr {
			rn.Attrs = append(rn.Attrs, Attr{Name: a.Key, Value: a.Val})
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if child := build(c); child != nil {
				rn.Children = append(rn.Children, child)
			}
		}
		return rn
	}

	raw := &RawDocument{URL: p.url, Body: build(body)}
	if t := htmlquery.FindOne(p.doc, "//title"); t != nil {
		raw.Title = CollapseSpace(htmlquery.InnerText(t))
	}
	raw.Link()
	return raw, nil
}

func (p *HTMLPage) Query(ctx context.Context, locator string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes, err := queryNodes(p.doc, locator)
	if err != nil {
		return nil, err
	}
	return p.describeAll(nodes), nil
}

func (p *HTMLPage) QueryWithin(ctx context.Context, root Ref, selector string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.resolve(root)
	if err != nil {
		return nil, err
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return p.describeAll(cascadia.QueryAll(n, sel)), nil
}

func (p *HTMLPage) Closest(ctx context.Context, ref Ref, selector string, maxDepth int) (*Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.resolve(ref)
	if err != nil {
		return nil, err
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	for depth := 0; n != nil && n.Type == html.ElementNode; depth++ {
		if maxDepth > 0 && depth > maxDepth {
			break
		}
		if sel.Match(n) {
			el := p.describe(n)
			return &el, nil
		}
		n = n.Parent
	}
	return nil, nil
}

func (p *HTMLPage) Describe(ctx context.Context, ref Ref) (Element, error) {
	if err := ctx.Err(); err != nil {
		return Element{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.resolve(ref)
	if err != nil {
		return Element{}, err
	}
	return p.describe(n), nil
}

func (p *HTMLPage) Focus(ctx context.Context, ref Ref) error {
	return p.mutate(ctx, ref, func(n *html.Node) []string {
		p.focused = n
		return []string{"focus"}
	})
}

func (p *HTMLPage) SetValue(ctx context.Context, ref Ref, value string) error {
	return p.mutate(ctx, ref, func(n *html.Node) []string {
		if strings.EqualFold(n.Data, "select") {
			for _, opt := range p.options(n) {
				p.stateOf(opt).selected = p.stateOf(opt).value == value
			}
		}
		p.stateOf(n).value = value
		return nil
	})
}

func (p *HTMLPage) SetChecked(ctx context.Context, ref Ref, checked bool) error {
	return p.mutate(ctx, ref, func(n *html.Node) []string {
		p.setChecked(n, checked)
		return nil
	})
}

func (p *HTMLPage) SelectOption(ctx context.Context, ref Ref, index int) error {
	var outOfRange bool
	err := p.mutate(ctx, ref, func(n *html.Node) []string {
		opts := p.options(n)
		if index < 0 || index >= len(opts) {
			outOfRange = true
			return nil
		}
		for i, opt := range opts {
			p.stateOf(opt).selected = i == index
		}
		p.stateOf(n).value = p.stateOf(opts[index]).value
		return nil
	})
	if err == nil && outOfRange {
		return fmt.Errorf("option index %d out of range", index)
	}
	return err
}

func (p *HTMLPage) Dispatch(ctx context.Context, ref Ref, events ...string) error {
	return p.mutate(ctx, ref, func(n *html.Node) []string { return events })
}

func (p *HTMLPage) Click(ctx context.Context, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	n, err := p.resolve(ref)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if hasAttr(n, "disabled") {
		p.mu.Unlock()
		return nil
	}
	type fired struct {
		n      *html.Node
		events []string
	}
	var all []fired
	p.record(n, "click")
	all = append(all, fired{n, []string{"click"}})
	if control := p.activate(n); control != nil && control != n {
		p.record(control, "click")
		all = append(all, fired{control, []string{"click"}})
		if changed := p.activate(control); changed != nil {
			p.record(control, "input", "change")
			all = append(all, fired{control, []string{"input", "change"}})
		}
	} else if control == n {
		p.record(n, "input", "change")
		all = append(all, fired{n, []string{"input", "change"}})
	}
	p.mu.Unlock()

	for _, f := range all {
		p.runHooks(f.n, f.events)
	}
	return nil
}

func (p *HTMLPage) Highlight(ctx context.Context, ref Ref, color string, clearAfter time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.resolve(ref)
	if err != nil {
		return err
	}
	st := p.stateOf(n)
	st.outline = color
	if clearAfter > 0 && color != "" {
		time.AfterFunc(clearAfter, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if st.outline == color {
				st.outline = ""
			}
		})
	}
	return nil
}

func (p *HTMLPage) ClearMarks(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	walkElements(p.doc, func(n *html.Node) {
		removeAttr(n, IndexAttr)
		removeAttr(n, RefAttr)
	})
	p.refs = make(map[Ref]*html.Node)
	return ctx.Err()
}

// -- Test and tooling helpers --

// On registers fn for event on every element matching the CSS selector.
func (p *HTMLPage) On(event, selector string, fn HookFunc) error {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, hook{event: event, sel: sel, fn: fn})
	return nil
}

// AppendHTML parses fragment in the context of the first element matching locator and
// appends the result to it.
func (p *HTMLPage) AppendHTML(locator, fragment string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	parents, err := queryNodes(p.doc, locator)
	if err != nil {
		return err
	}
	if len(parents) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	parent := parents[0]
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		return fmt.Errorf("failed to parse fragment: %w", err)
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	return nil
}

// Remove detaches every element matching locator.
func (p *HTMLPage) Remove(locator string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes, err := queryNodes(p.doc, locator)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
	return nil
}

// Peek describes the first element matching locator without stamping a ref.
func (p *HTMLPage) Peek(locator string) (Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes, err := queryNodes(p.doc, locator)
	if err != nil {
		return Element{}, err
	}
	if len(nodes) == 0 {
		return Element{}, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	el := p.describeNode(nodes[0])
	return el, nil
}

// Events returns the events recorded on the first element matching locator.
func (p *HTMLPage) Events(locator string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes, err := queryNodes(p.doc, locator)
	if err != nil || len(nodes) == 0 {
		return nil
	}
	return append([]string(nil), p.stateOf(nodes[0]).events...)
}

// Outline returns the current highlight color of the first element matching locator.
func (p *HTMLPage) Outline(locator string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes, err := queryNodes(p.doc, locator)
	if err != nil || len(nodes) == 0 {
		return ""
	}
	return p.stateOf(nodes[0]).outline
}

// CountAttr counts elements carrying the attribute.
func (p *HTMLPage) CountAttr(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	walkElements(p.doc, func(n *html.Node) {
		if hasAttr(n, name) {
			count++
		}
	})
	return count
}

// Render serializes the current document.
func (p *HTMLPage) Render() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var buf bytes.Buffer
	_ = html.Render(&buf, p.doc)
	return buf.String()
}

// Node returns the underlying node for a ref. It is meant for tooling such as XPath
// generation; callers must not mutate the tree.
func (p *HTMLPage) Node(ref Ref) (*html.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolve(ref)
}

// -- internals (p.mu held) --

func (p *HTMLPage) body() *html.Node {
	return htmlquery.FindOne(p.doc, "//body")
}

func (p *HTMLPage) stateOf(n *html.Node) *nodeState {
	if st, ok := p.state[n]; ok {
		return st
	}
	st := &nodeState{
		checked:  hasAttr(n, "checked"),
		selected: hasAttr(n, "selected"),
	}
	switch strings.ToLower(n.Data) {
	case "textarea":
		st.value = htmlquery.InnerText(n)
	case "option":
		if v, ok := attrLookup(n, "value"); ok {
			st.value = v
		} else {
			st.value = CollapseSpace(htmlquery.InnerText(n))
		}
	case "select":
		opts := p.options(n)
		for _, o := range opts {
			if hasAttr(o, "selected") {
				st.value = p.stateOf(o).value
			}
		}
		if st.value == "" && len(opts) > 0 && !hasAttr(n, "multiple") {
			st.value = p.stateOf(opts[0]).value
		}
	default:
		st.value = getAttr(n, "value")
	}
	p.state[n] = st
	return st
}

func (p *HTMLPage) options(sel *html.Node) []*html.Node {
	return cascadia.QueryAll(sel, cascadia.MustCompile("option"))
}

func (p *HTMLPage) resolve(ref Ref) (*html.Node, error) {
	n, ok := p.refs[ref]
	if !ok || !p.attached(n) {
		return nil, fmt.Errorf("%w: ref %q", ErrNotFound, ref)
	}
	return n, nil
}

// attached reports whether n is still part of the document.
func (p *HTMLPage) attached(n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n == p.doc {
			return true
		}
	}
	return false
}

func (p *HTMLPage) refFor(n *html.Node) Ref {
	if existing := Ref(getAttr(n, RefAttr)); existing != "" && p.refs[existing] == n {
		return existing
	}
	p.nextRef++
	r := Ref("r" + strconv.Itoa(p.nextRef))
	setAttr(n, RefAttr, string(r))
	p.refs[r] = n
	return r
}

func (p *HTMLPage) describeAll(nodes []*html.Node) []Element {
	out := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, p.describe(n))
	}
	return out
}

func (p *HTMLPage) describe(n *html.Node) Element {
	el := p.describeNode(n)
	el.Ref = p.refFor(n)
	el.Attrs[RefAttr] = string(el.Ref)
	return el
}

func (p *HTMLPage) describeNode(n *html.Node) Element {
	st := p.stateOf(n)
	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[a.Key] = a.Val
	}
	return Element{
		Tag:      strings.ToLower(n.Data),
		Attrs:    attrs,
		Text:     CollapseSpace(htmlquery.InnerText(n)),
		Value:    st.value,
		Checked:  st.checked,
		Selected: st.selected,
		Disabled: hasAttr(n, "disabled"),
		Visible:  !zeroBox(n) && !visibilityHidden(n) && !displayNone(n),
	}
}

// mutate resolves ref, applies fn under the lock, records the events fn returns and then
// runs matching hooks.
func (p *HTMLPage) mutate(ctx context.Context, ref Ref, fn func(n *html.Node) []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	n, err := p.resolve(ref)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	events := fn(n)
	p.record(n, events...)
	p.mu.Unlock()
	p.runHooks(n, events)
	return nil
}

func (p *HTMLPage) record(n *html.Node, events ...string) {
	st := p.stateOf(n)
	st.events = append(st.events, events...)
}

func (p *HTMLPage) runHooks(n *html.Node, events []string) {
	p.mu.Lock()
	var matched []HookFunc
	for _, ev := range events {
		for _, h := range p.hooks {
			if h.event != ev {
				continue
			}
			// Events bubble: a hook on an ancestor fires too.
			for a := n; a != nil && a.Type == html.ElementNode; a = a.Parent {
				if h.sel.Match(a) {
					matched = append(matched, h.fn)
					break
				}
			}
		}
	}
	p.mu.Unlock()
	for _, fn := range matched {
		fn(p, n)
	}
}

// activate applies click activation behavior. It returns the control whose state changed
// (n itself for radios and checkboxes, the labelled control for labels) or nil.
func (p *HTMLPage) activate(n *html.Node) *html.Node {
	switch strings.ToLower(n.Data) {
	case "input":
		switch strings.ToLower(getAttr(n, "type")) {
		case "radio":
			if p.stateOf(n).checked {
				return nil
			}
			p.setChecked(n, true)
			return n
		case "checkbox":
			p.setChecked(n, !p.stateOf(n).checked)
			return n
		}
	case "label":
		return p.labelControl(n)
	}
	return nil
}

func (p *HTMLPage) labelControl(label *html.Node) *html.Node {
	if id := getAttr(label, "for"); id != "" {
		nodes, _ := queryNodes(p.doc, "[id="+QuoteAttr(id)+"]")
		if len(nodes) > 0 {
			return nodes[0]
		}
		return nil
	}
	return cascadia.Query(label, cascadia.MustCompile("input, select, textarea"))
}

func (p *HTMLPage) setChecked(n *html.Node, checked bool) {
	p.stateOf(n).checked = checked
	if !checked || !strings.EqualFold(getAttr(n, "type"), "radio") {
		return
	}
	name := getAttr(n, "name")
	if name == "" {
		return
	}
	group, _ := queryNodes(p.doc, `input[type="radio"][name=`+QuoteAttr(name)+`]`)
	for _, other := range group {
		if other != n {
			p.stateOf(other).checked = false
		}
	}
}

// -- attribute and style helpers --

func walkElements(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkElements(c, fn)
	}
}

func attrLookup(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func hasAttr(n *html.Node, name string) bool {
	_, ok := attrLookup(n, name)
	return ok
}

func getAttr(n *html.Node, name string) string {
	v, _ := attrLookup(n, name)
	return v
}

func setAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func removeAttr(n *html.Node, name string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != name {
			out = append(out, a)
		}
	}
	n.Attr = out
}

var zeroDimension = regexp.MustCompile(`^0(px|em|rem|%)?$`)

func inlineStyle(n *html.Node) map[string]string {
	props := make(map[string]string)
	for _, decl := range strings.Split(getAttr(n, "style"), ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		props[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}
	return props
}

// displayNone approximates computed display:none on the element itself.
func displayNone(n *html.Node) bool {
	if hasAttr(n, "hidden") {
		return true
	}
	if strings.EqualFold(n.Data, "input") && strings.EqualFold(getAttr(n, "type"), "hidden") {
		return true
	}
	return inlineStyle(n)["display"] == "none"
}

// visibilityHidden approximates the inherited computed visibility.
func visibilityHidden(n *html.Node) bool {
	for a := n; a != nil && a.Type == html.ElementNode; a = a.Parent {
		switch inlineStyle(a)["visibility"] {
		case "hidden", "collapse":
			return true
		case "visible":
			return false
		}
	}
	return false
}

// zeroBox approximates an empty layout box: a display:none ancestor-or-self, or an
// explicit zero width or height on the element.
func zeroBox(n *html.Node) bool {
	for a := n; a != nil && a.Type == html.ElementNode; a = a.Parent {
		if displayNone(a) {
			return true
		}
	}
	style := inlineStyle(n)
	return zeroDimension.MatchString(style["width"]) || zeroDimension.MatchString(style["height"])
}
