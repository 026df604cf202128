// browser/dom/xpath.go
package dom

import (
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// XPathOf returns an absolute XPath that selects n, anchored on the nearest ancestor
// (or n itself) whose id can be quoted. `casefill inspect --locators` prints it next to
// the CSS locator so the two can be checked against each other in devtools.
func XPathOf(n *html.Node) string {
	var steps []string
	for ; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		if anchor, ok := idAnchor(n); ok {
			return anchor + joinSteps(steps)
		}
		steps = append(steps, strings.ToLower(n.Data)+"["+strconv.Itoa(siblingPosition(n))+"]")
	}
	if len(steps) == 0 {
		return "/"
	}
	return joinSteps(steps)
}

func idAnchor(n *html.Node) (string, bool) {
	id := htmlquery.SelectAttr(n, "id")
	switch {
	case id == "":
		return "", false
	case !strings.Contains(id, "'"):
		return `//*[@id='` + id + `']`, true
	case !strings.Contains(id, `"`):
		return `//*[@id="` + id + `"]`, true
	}
	return "", false
}

// joinSteps renders steps collected leaf first as a rooted path.
func joinSteps(steps []string) string {
	var b strings.Builder
	for i := len(steps) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(steps[i])
	}
	return b.String()
}

// siblingPosition is the 1-based XPath position of n among same-tag siblings.
func siblingPosition(n *html.Node) int {
	pos := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && strings.EqualFold(s.Data, n.Data) {
			pos++
		}
	}
	return pos
}
