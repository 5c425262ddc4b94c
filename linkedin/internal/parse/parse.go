// Package parse extracts people from a rendered search results page.
//
// The results markup changes often, so several layouts are tried in order
// and the first one yielding anyone wins.
package parse

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/leadscout/contact"
)

// BaseURL resolves relative profile links.
const BaseURL = "https://www.linkedin.com"

type layout struct {
	name     string
	items    []string
	person   []string
	title    []string
	location []string
	link     []string
}

var layouts = []layout{
	{
		name:  "entity-result",
		items: []string{".entity-result", ".entity-result__item"},
		person: []string{
			".entity-result__title-text a span[aria-hidden=true]",
			"[data-anonymize=person-name]",
		},
		title:    []string{".entity-result__primary-subtitle", "[data-anonymize=title]"},
		location: []string{".entity-result__secondary-subtitle", "[data-anonymize=location]"},
		link:     []string{".entity-result__title-text a", "a[href*=/in/]"},
	},
	{
		name: "reusable-search",
		items: []string{
			"li.reusable-search__result-container",
			"[data-view-name=search-entity-result-universal-template]",
		},
		person:   []string{"span[aria-hidden=true]", ".artdeco-entity-lockup__title"},
		title:    []string{".entity-result__primary-subtitle", ".artdeco-entity-lockup__subtitle"},
		location: []string{".entity-result__secondary-subtitle", ".artdeco-entity-lockup__caption"},
		link:     []string{"a[href*=/in/]"},
	},
	{
		name:   "chameleon",
		items:  []string{"[data-chameleon-result-urn]"},
		person: []string{"span[aria-hidden=true]"},
		link:   []string{"a[href*=/in/]"},
	},
}

var strict = bluemonday.StrictPolicy()

// People parses a results page and returns at most limit people, in page
// order, without duplicate profile links. limit <= 0 means no limit.
func People(r io.Reader, limit int) ([]contact.Contact, string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, "", fmt.Errorf("parse: %w", err)
	}

	for _, l := range layouts {
		found := l.extract(doc, limit)
		if len(found) > 0 {
			return found, l.name, nil
		}
	}
	return nil, "", nil
}

func (l layout) extract(doc *html.Node, limit int) []contact.Contact {
	var (
		out  []contact.Contact
		seen = make(map[string]bool)
	)
	for _, el := range l.itemsOf(doc) {
		name := clean(text(selectFirst(el, l.person...)))
		if name == "" {
			continue
		}
		c := contact.Contact{
			Name:       name,
			Title:      clean(text(selectFirst(el, l.title...))),
			Location:   clean(text(selectFirst(el, l.location...))),
			ProfileURL: profileURL(attr0(selectFirst(el, l.link...), "href")),
		}
		if c.ProfileURL != "" {
			if seen[c.ProfileURL] {
				continue
			}
			seen[c.ProfileURL] = true
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// itemsOf returns result containers in document order. A container nested
// inside another matched container is dropped.
func (l layout) itemsOf(doc *html.Node) []*html.Node {
	in := make(map[*html.Node]bool)
	for _, sel := range l.items {
		for _, n := range selectAll(doc, sel) {
			in[n] = true
		}
	}

	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if in[n] {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func text(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return sb.String()
}

// clean strips anything that still looks like markup and collapses
// whitespace.
func clean(s string) string {
	s = html.UnescapeString(strict.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

func attr0(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	return attr(n, key)
}

// profileURL makes href absolute and drops its query string and fragment.
func profileURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		base, _ := url.Parse(BaseURL)
		u = base.ResolveReference(u)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
