package extract

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/xkilldash9x/casefill/internal/browser/dom"
)

type compactOptions struct {
	softCap      int
	hardCap      int
	maxClasses   int
	classPattern *regexp.Regexp
}

var droppedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "svg": true, "img": true, "picture": true,
	"video": true, "audio": true, "canvas": true, "iframe": true, "head": true, "link": true,
	"meta": true, "template": true, "source": true,
}

var keptAttrs = map[string]bool{
	"id": true, "name": true, "type": true, "role": true, "for": true, "value": true,
	"placeholder": true, "href": true, "checked": true, "selected": true, "disabled": true,
	"multiple": true, "data-value": true, dom.IndexAttr: true,
}

var chromeTags = map[string]bool{"header": true, "footer": true, "nav": true}

var chromeRoles = map[string]bool{"banner": true, "contentinfo": true, "navigation": true}

// Compact renders body as minimal markup within the configured caps. The bool result
// reports a hard-cap truncation.
func Compact(body *dom.RawNode, opts compactOptions) (string, bool) {
	if body == nil {
		return "", false
	}
	out := render(body, opts, false)
	if opts.softCap > 0 && len(out) > opts.softCap {
		out = render(body, opts, true)
	}
	if opts.hardCap > 0 && len(out) > opts.hardCap {
		return truncate(out, opts.hardCap), true
	}
	return out, false
}

func render(body *dom.RawNode, opts compactOptions, dropChrome bool) string {
	root := convert(body, opts, dropChrome)
	if root == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return ""
	}
	return buf.String()
}

func convert(n *dom.RawNode, opts compactOptions, dropChrome bool) *html.Node {
	if n.IsText() {
		text := dom.CollapseSpace(n.Text)
		if text == "" {
			return nil
		}
		return &html.Node{Type: html.TextNode, Data: text}
	}
	if droppedTags[n.Tag] {
		return nil
	}
	if dropChrome && isChrome(n) && !containsControl(n) {
		return nil
	}

	el := &html.Node{Type: html.ElementNode, Data: n.Tag, DataAtom: atom.Lookup([]byte(n.Tag))}
	el.Attr = compactAttrs(n, opts)
	for _, c := range n.Children {
		if child := convert(c, opts, dropChrome); child != nil {
			el.AppendChild(child)
		}
	}
	return el
}

func compactAttrs(n *dom.RawNode, opts compactOptions) []html.Attribute {
	var attrs []html.Attribute
	seen := make(map[string]bool)
	for _, a := range n.Attrs {
		switch {
		case keptAttrs[a.Name], strings.HasPrefix(a.Name, "aria-"):
			attrs = append(attrs, html.Attribute{Key: a.Name, Val: a.Value})
			seen[a.Name] = true
		case a.Name == "class":
			if cls := filterClasses(a.Value, opts); cls != "" {
				attrs = append(attrs, html.Attribute{Key: "class", Val: cls})
			}
		}
	}
	// Live state the attributes do not reflect.
	if isFormControl(n) && n.Value != "" && !seen["value"] && n.Tag != "select" {
		attrs = append(attrs, html.Attribute{Key: "value", Val: n.Value})
	}
	if n.Checked && !seen["checked"] {
		attrs = append(attrs, html.Attribute{Key: "checked"})
	}
	if n.Selected && !seen["selected"] {
		attrs = append(attrs, html.Attribute{Key: "selected"})
	}
	return attrs
}

func filterClasses(class string, opts compactOptions) string {
	if opts.classPattern == nil || opts.maxClasses <= 0 {
		return ""
	}
	var kept []string
	for _, tok := range strings.Fields(class) {
		if opts.classPattern.MatchString(tok) {
			kept = append(kept, tok)
			if len(kept) == opts.maxClasses {
				break
			}
		}
	}
	return strings.Join(kept, " ")
}

func isChrome(n *dom.RawNode) bool {
	return chromeTags[n.Tag] || chromeRoles[n.Role()]
}

func isFormControl(n *dom.RawNode) bool {
	switch n.Tag {
	case "input", "select", "textarea":
		return true
	}
	return false
}

func containsControl(n *dom.RawNode) bool {
	found := false
	n.Walk(func(c *dom.RawNode) bool {
		if found {
			return false
		}
		if isCandidate(c) && !c.IsText() {
			found = true
		}
		return !found
	})
	return found
}

// truncate cuts s so that the result, marker included, fits in limit bytes. It backs off
// to the last complete tag when one ends in the final quarter of the budget.
func truncate(s string, limit int) string {
	budget := limit - len(TruncationMarker)
	if budget <= 0 {
		return TruncationMarker[:limit]
	}
	cut := s[:budget]
	for len(cut) > 0 && !utf8.RuneStart(s[len(cut)]) {
		cut = cut[:len(cut)-1]
	}
	if i := strings.LastIndexByte(cut, '>'); i >= budget*3/4 {
		cut = cut[:i+1]
	}
	return cut + TruncationMarker
}
