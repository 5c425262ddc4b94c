package parse

import (
	"strings"

	"golang.org/x/net/html"
)

// selectAll returns the nodes under root matching a selector made of
// simple parts joined by the descendant combinator. Supported parts:
// tag, .class, #id, tag.class, [attr], [attr=val], [attr*=val], [attr^=val]
// and their combinations.
func selectAll(root *html.Node, selector string) []*html.Node {
	parts := strings.Fields(selector)
	if len(parts) == 0 {
		return nil
	}

	matches := matchDescendants(root, parseSimple(parts[0]))
	for _, p := range parts[1:] {
		sel := parseSimple(p)
		var next []*html.Node
		seen := make(map[*html.Node]bool)
		for _, m := range matches {
			for _, n := range matchDescendants(m, sel) {
				if !seen[n] {
					seen[n] = true
					next = append(next, n)
				}
			}
		}
		matches = next
	}
	return matches
}

// selectFirst tries each selector in turn and returns the first match.
func selectFirst(root *html.Node, selectors ...string) *html.Node {
	for _, s := range selectors {
		if found := selectAll(root, s); len(found) > 0 {
			return found[0]
		}
	}
	return nil
}

func matchDescendants(root *html.Node, s simple) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if s.matches(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

type simple struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrOp  string // "", "=", "*=", "^="
	attrVal string
}

func parseSimple(sel string) simple {
	var s simple

	if i := strings.IndexByte(sel, '['); i >= 0 {
		attr := strings.TrimSuffix(sel[i+1:], "]")
		sel = sel[:i]
		s.attrKey = attr
		for _, op := range []string{"*=", "^=", "="} {
			if j := strings.Index(attr, op); j >= 0 {
				s.attrKey = attr[:j]
				s.attrOp = op
				s.attrVal = strings.Trim(attr[j+len(op):], `"'`)
				break
			}
		}
	}

	if i := strings.IndexByte(sel, '#'); i >= 0 {
		s.id = sel[i+1:]
		sel = sel[:i]
	}

	if i := strings.IndexByte(sel, '.'); i >= 0 {
		s.classes = strings.Split(sel[i+1:], ".")
		sel = sel[:i]
	}

	s.tag = sel
	return s
}

func (s simple) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && attr(n, "id") != s.id {
		return false
	}
	if len(s.classes) > 0 {
		have := strings.Fields(attr(n, "class"))
		for _, want := range s.classes {
			if !contains(have, want) {
				return false
			}
		}
	}
	if s.attrKey != "" {
		val, ok := lookup(n, s.attrKey)
		if !ok {
			return false
		}
		switch s.attrOp {
		case "=":
			return val == s.attrVal
		case "*=":
			return strings.Contains(val, s.attrVal)
		case "^=":
			return strings.HasPrefix(val, s.attrVal)
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	v, _ := lookup(n, key)
	return v
}

func lookup(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
