package extract

import (
	"strings"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/browser/dom"
)

var skippedInputTypes = map[string]bool{
	"hidden": true, "submit": true, "button": true, "reset": true, "image": true,
}

var widgetRoles = map[string]bool{
	"combobox": true, "listbox": true, "radio": true, "radiogroup": true, "checkbox": true,
}

// docIndex caches lookups over one collected document.
type docIndex struct {
	body      *dom.RawNode
	byID      map[string][]*dom.RawNode
	labelsFor map[string][]*dom.RawNode
	elements  []*dom.RawNode
}

func indexDocument(body *dom.RawNode) *docIndex {
	ix := &docIndex{
		body:      body,
		byID:      make(map[string][]*dom.RawNode),
		labelsFor: make(map[string][]*dom.RawNode),
	}
	body.Walk(func(n *dom.RawNode) bool {
		if n.IsText() {
			return false
		}
		ix.elements = append(ix.elements, n)
		if id := n.AttrOr("id"); id != "" {
			ix.byID[id] = append(ix.byID[id], n)
		}
		if n.Tag == "label" {
			if f := n.AttrOr("for"); f != "" {
				ix.labelsFor[f] = append(ix.labelsFor[f], n)
			}
		}
		return true
	})
	return ix
}

// Fields returns one descriptor per fillable control, in document order.
func Fields(raw *dom.RawDocument) []schemas.FieldDescriptor {
	if raw == nil || raw.Body == nil {
		return nil
	}
	ix := indexDocument(raw.Body)

	var (
		out         []schemas.FieldDescriptor
		radioGroups = make(map[string]bool)
		ariaGroups  = make(map[*dom.RawNode]bool)
	)

	for _, n := range ix.elements {
		if !isCandidate(n) {
			continue
		}
		choice := isToggle(n)
		if !choice && (n.ZeroSize() || n.Hidden) {
			continue
		}

		switch {
		case n.InputType() == "radio":
			name := n.AttrOr("name")
			if name != "" {
				if radioGroups[name] {
					continue
				}
				radioGroups[name] = true
			}
		case n.Role() == "radiogroup":
			ariaGroups[n] = true
		case n.Role() == "radio":
			if g := ancestorWithRole(n, "radiogroup"); g != nil && ariaGroups[g] {
				continue
			}
		}

		out = append(out, ix.describe(n))
	}
	return out
}

func isCandidate(n *dom.RawNode) bool {
	switch n.Tag {
	case "input":
		return !skippedInputTypes[n.InputType()]
	case "select", "textarea":
		return true
	}
	return widgetRoles[n.Role()]
}

// isToggle reports radios and checkboxes, which often sit visually hidden behind a
// styled label and are captured regardless of their own box.
func isToggle(n *dom.RawNode) bool {
	switch n.InputType() {
	case "radio", "checkbox":
		return true
	}
	switch n.Role() {
	case "radio", "checkbox", "radiogroup":
		return true
	}
	return false
}

func (ix *docIndex) describe(n *dom.RawNode) schemas.FieldDescriptor {
	fd := schemas.FieldDescriptor{
		Index:       n.Idx,
		Tag:         n.Tag,
		InputType:   n.InputType(),
		ID:          n.AttrOr("id"),
		Name:        n.AttrOr("name"),
		Role:        n.Role(),
		Placeholder: n.AttrOr("placeholder"),
		Label:       ix.label(n),
		Options:     ix.options(n),
		Locator:     ix.locator(n),
		Value:       n.Value,
		Checked:     n.Checked || strings.EqualFold(n.AttrOr("aria-checked"), "true"),
		Visible:     !n.ZeroSize() && !n.Hidden,
		Disabled:    n.Disabled || strings.EqualFold(n.AttrOr("aria-disabled"), "true"),
	}
	if n.InputType() == "radio" {
		// The group carries the value, not the first radio.
		fd.Value, fd.Checked = "", false
		for _, o := range fd.Options {
			if o.Selected {
				fd.Value = o.Value
			}
		}
		if gl := ix.groupLabel(n); gl != "" {
			fd.Label = gl
		}
	}
	return fd
}

// label resolves label[for], an enclosing label, aria-label and aria-labelledby, in order.
func (ix *docIndex) label(n *dom.RawNode) string {
	if id := n.AttrOr("id"); id != "" {
		for _, l := range ix.labelsFor[id] {
			if t := l.TextContent(); t != "" {
				return t
			}
		}
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Tag == "label" {
			if t := p.TextContent(); t != "" {
				return t
			}
			break
		}
	}
	if v := strings.TrimSpace(n.AttrOr("aria-label")); v != "" {
		return dom.CollapseSpace(v)
	}
	return ix.labelledBy(n)
}

func (ix *docIndex) labelledBy(n *dom.RawNode) string {
	var parts []string
	for _, id := range strings.Fields(n.AttrOr("aria-labelledby")) {
		if refs := ix.byID[id]; len(refs) > 0 {
			if t := refs[0].TextContent(); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " ")
}

// groupLabel names a native radio group by its fieldset legend or an enclosing ARIA
// radiogroup label.
func (ix *docIndex) groupLabel(n *dom.RawNode) string {
	for p := n.Parent; p != nil; p = p.Parent {
		switch {
		case p.Tag == "fieldset":
			for _, c := range p.Children {
				if c.Tag == "legend" {
					return c.TextContent()
				}
			}
			return ""
		case p.Role() == "radiogroup":
			if v := strings.TrimSpace(p.AttrOr("aria-label")); v != "" {
				return dom.CollapseSpace(v)
			}
			return ix.labelledBy(p)
		}
	}
	return ""
}

func (ix *docIndex) options(n *dom.RawNode) []schemas.FieldOption {
	var opts []schemas.FieldOption
	switch {
	case n.Tag == "select":
		n.Walk(func(c *dom.RawNode) bool {
			if c.Tag == "option" {
				text := c.TextContent()
				value, ok := c.Attr("value")
				if !ok {
					value = text
				}
				opts = append(opts, schemas.FieldOption{Value: value, Label: text, Selected: c.Selected})
				return false
			}
			return !c.IsText()
		})
	case n.InputType() == "radio":
		name := n.AttrOr("name")
		if name == "" {
			return []schemas.FieldOption{{Value: n.AttrOr("value"), Label: ix.label(n), Selected: n.Checked}}
		}
		for _, r := range ix.elements {
			if r.InputType() == "radio" && r.AttrOr("name") == name {
				opts = append(opts, schemas.FieldOption{Value: r.AttrOr("value"), Label: ix.label(r), Selected: r.Checked})
			}
		}
	case n.Role() == "radiogroup":
		opts = ariaOptions(n, "radio")
	case n.Role() == "radio":
		if g := ancestorWithRole(n, "radiogroup"); g != nil {
			opts = ariaOptions(g, "radio")
		}
	case n.Role() == "listbox":
		opts = ariaOptions(n, "option")
	}
	return opts
}

func ariaOptions(root *dom.RawNode, role string) []schemas.FieldOption {
	var opts []schemas.FieldOption
	root.Walk(func(c *dom.RawNode) bool {
		if c == root || c.Role() != role {
			return !c.IsText()
		}
		text := c.TextContent()
		if text == "" {
			text = dom.CollapseSpace(c.AttrOr("aria-label"))
		}
		value := c.AttrOr("data-value")
		if value == "" {
			value = text
		}
		selected := strings.EqualFold(c.AttrOr("aria-checked"), "true") ||
			strings.EqualFold(c.AttrOr("aria-selected"), "true")
		opts = append(opts, schemas.FieldOption{Value: value, Label: text, Selected: selected})
		return false
	})
	return opts
}

func ancestorWithRole(n *dom.RawNode, role string) *dom.RawNode {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Role() == role {
			return p
		}
	}
	return nil
}
