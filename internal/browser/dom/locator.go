// browser/dom/locator.go
package dom

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

var cssIdent = regexp.MustCompile(`^-?[A-Za-z_][A-Za-z0-9_-]*$`)

// IsXPath reports whether a locator is an XPath expression rather than a CSS selector.
func IsXPath(locator string) bool {
	l := strings.TrimSpace(locator)
	return strings.HasPrefix(l, "/") || strings.HasPrefix(l, "(") || strings.HasPrefix(l, "xpath=")
}

// IsCSSIdent reports whether s can be used unescaped after '#' or '.'.
func IsCSSIdent(s string) bool {
	return cssIdent.MatchString(s)
}

// QuoteAttr quotes v for use inside a CSS attribute selector.
func QuoteAttr(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\a `)
	return `"` + r.Replace(v) + `"`
}

// IDSelector returns "#id" when the id is a plain identifier and [id="..."] otherwise.
func IDSelector(id string) string {
	if IsCSSIdent(id) {
		return "#" + id
	}
	return "[id=" + QuoteAttr(id) + "]"
}

// queryNodes resolves a locator against top, returning element nodes in document order.
func queryNodes(top *html.Node, locator string) ([]*html.Node, error) {
	l := strings.TrimSpace(locator)
	if l == "" {
		return nil, fmt.Errorf("empty locator")
	}
	if IsXPath(l) {
		nodes, err := htmlquery.QueryAll(top, strings.TrimPrefix(l, "xpath="))
		if err != nil {
			return nil, fmt.Errorf("invalid xpath %q: %w", l, err)
		}
		out := nodes[:0]
		for _, n := range nodes {
			if n.Type == html.ElementNode {
				out = append(out, n)
			}
		}
		return out, nil
	}
	sel, err := cascadia.Compile(l)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", l, err)
	}
	return cascadia.QueryAll(top, sel), nil
}
