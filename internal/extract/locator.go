package extract

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/casefill/internal/browser/dom"
)

// locator returns a CSS selector that identifies n: its id when unique, then a unique
// name (plus type for inputs), then a positional path from the nearest id-bearing
// ancestor or body. Native radios are identified by their group's name selector.
func (ix *docIndex) locator(n *dom.RawNode) string {
	if id := n.AttrOr("id"); id != "" && len(ix.byID[id]) == 1 {
		return dom.IDSelector(id)
	}
	if name := n.AttrOr("name"); name != "" {
		sel := n.Tag + "[name=" + dom.QuoteAttr(name) + "]"
		if n.Tag == "input" {
			if t, ok := n.Attr("type"); ok {
				sel += "[type=" + dom.QuoteAttr(t) + "]"
			}
		}
		if ix.countNamed(n) == 1 || n.InputType() == "radio" {
			return sel
		}
	}
	return ix.positional(n)
}

func (ix *docIndex) countNamed(n *dom.RawNode) int {
	name := n.AttrOr("name")
	t, hasType := n.Attr("type")
	count := 0
	for _, e := range ix.elements {
		if e.Tag != n.Tag || e.AttrOr("name") != name {
			continue
		}
		if n.Tag == "input" && hasType && e.AttrOr("type") != t {
			continue
		}
		count++
	}
	return count
}

func (ix *docIndex) positional(n *dom.RawNode) string {
	var segs []string
	cur := n
	for cur != nil && cur != ix.body {
		if id := cur.AttrOr("id"); id != "" && cur != n && len(ix.byID[id]) == 1 {
			segs = append(segs, dom.IDSelector(id))
			break
		}
		segs = append(segs, fmt.Sprintf("%s:nth-of-type(%d)", cur.Tag, nthOfType(cur)))
		cur = cur.Parent
	}
	if cur == ix.body || cur == nil {
		segs = append(segs, "body")
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, " > ")
}

func nthOfType(n *dom.RawNode) int {
	if n.Parent == nil {
		return 1
	}
	pos := 0
	for _, sib := range n.Parent.Children {
		if sib.Tag == n.Tag {
			pos++
		}
		if sib == n {
			break
		}
	}
	return pos
}
