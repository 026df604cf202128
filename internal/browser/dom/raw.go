// browser/dom/raw.go
package dom

import "strings"

// TextTag marks text nodes in a raw tree.
const TextTag = "#text"

// Attr is one attribute in document order.
type Attr struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RawNode is one node of the body tree returned by Page.Collect. Element nodes carry their
// stamped index; text nodes have Tag == TextTag and only Text set.
type RawNode struct {
	Idx      int        `json:"idx"`
	Tag      string     `json:"tag"`
	Text     string     `json:"text,omitempty"`
	Attrs    []Attr     `json:"attrs,omitempty"`
	Value    string     `json:"value,omitempty"`
	Checked  bool       `json:"checked,omitempty"`
	Selected bool       `json:"selected,omitempty"`
	Disabled bool       `json:"disabled,omitempty"`
	Width    float64    `json:"w"`
	Height   float64    `json:"h"`
	Hidden   bool       `json:"hidden,omitempty"`
	Children []*RawNode `json:"children,omitempty"`

	Parent *RawNode `json:"-"`
}

// RawDocument is the result of Page.Collect.
type RawDocument struct {
	URL   string   `json:"url"`
	Title string   `json:"title"`
	Body  *RawNode `json:"body"`
}

// Link sets Parent pointers after decoding. It is idempotent.
func (d *RawDocument) Link() {
	if d == nil || d.Body == nil {
		return
	}
	var link func(n *RawNode)
	link = func(n *RawNode) {
		for _, c := range n.Children {
			c.Parent = n
			link(c)
		}
	}
	d.Body.Parent = nil
	link(d.Body)
}

// Walk visits the subtree in document order. Returning false skips the node's children.
func (n *RawNode) Walk(fn func(*RawNode) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// IsText reports a text node.
func (n *RawNode) IsText() bool { return n.Tag == TextTag }

// Attr returns an attribute value and whether it is present.
func (n *RawNode) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// AttrOr returns an attribute value or "".
func (n *RawNode) AttrOr(name string) string {
	v, _ := n.Attr(name)
	return v
}

// InputType mirrors Element.InputType.
func (n *RawNode) InputType() string {
	if n.Tag != "input" {
		return ""
	}
	t := strings.ToLower(strings.TrimSpace(n.AttrOr("type")))
	if t == "" {
		return "text"
	}
	return t
}

// Role mirrors Element.Role.
func (n *RawNode) Role() string {
	return strings.ToLower(strings.TrimSpace(n.AttrOr("role")))
}

// TextContent concatenates descendant text with whitespace collapsed.
func (n *RawNode) TextContent() string {
	var b strings.Builder
	n.Walk(func(c *RawNode) bool {
		if c.IsText() {
			b.WriteString(c.Text)
			b.WriteByte(' ')
		}
		return true
	})
	return CollapseSpace(b.String())
}

// ZeroSize reports an empty layout box.
func (n *RawNode) ZeroSize() bool {
	return n.Width <= 0 || n.Height <= 0
}

// CollapseSpace trims s and folds every whitespace run into one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
