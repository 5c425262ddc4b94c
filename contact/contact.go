// Package contact holds the person records produced by every search path
// and the text normalisation shared by cache keys and input dedup.
package contact

import (
	"strings"

	"golang.org/x/text/cases"
)

// Contact is one person found on the network, the registry or the web.
type Contact struct {
	Name       string `json:"name"`
	Title      string `json:"title,omitempty"`
	Company    string `json:"company,omitempty"`
	Location   string `json:"location,omitempty"`
	ProfileURL string `json:"profileUrl,omitempty"`
}

// Result is a Contact tagged with the (company, keyword) pair that found it.
type Result struct {
	SearchedCompany string `json:"searchedCompany"`
	SearchedKeyword string `json:"searchedKeyword"`
	Contact
}

// Normalize folds case and collapses runs of whitespace, so "Carrefour"
// and " carrefour " compare equal. Distinct names sharing a spelling up to
// case are conflated; that is accepted.
func Normalize(s string) string {
	return cases.Fold().String(strings.Join(strings.Fields(s), " "))
}

// Key is the cache key of a (company, keyword) pair.
func Key(company, keyword string) string {
	return Normalize(company) + "\x1f" + Normalize(keyword)
}

// Dedupe trims entries, drops empty ones and removes duplicates under
// Normalize. The first spelling of each entry is kept, in input order.
func Dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		trimmed := strings.Join(strings.Fields(it), " ")
		if trimmed == "" {
			continue
		}
		k := Normalize(trimmed)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, trimmed)
	}
	return out
}

// Query builds the people-search query of a pair: the keyword (job
// function) first, then the company.
func Query(company, keyword string) string {
	return strings.TrimSpace(strings.TrimSpace(keyword) + " " + strings.TrimSpace(company))
}

// Filter keeps the contacts a people search returned that plausibly match
// the pair. The company must appear in the contact's company or title, or
// one of its first two words must appear in the contact's company. At
// least one word of keyword must appear in the title. An empty company or
// keyword skips its check.
func Filter(found []Contact, company, keyword string) []Contact {
	co := Normalize(company)
	var coWords []string
	for i, w := range strings.Fields(co) {
		if i == 2 {
			break
		}
		if len([]rune(w)) >= 3 {
			coWords = append(coWords, w)
		}
	}
	kws := strings.Fields(Normalize(keyword))

	out := make([]Contact, 0, len(found))
	for _, c := range found {
		title := Normalize(c.Title)
		if co != "" {
			cc := Normalize(c.Company)
			match := strings.Contains(cc, co) || strings.Contains(title, co)
			for _, w := range coWords {
				if match {
					break
				}
				match = strings.Contains(cc, w)
			}
			if !match {
				continue
			}
		}
		if len(kws) > 0 {
			match := false
			for _, kw := range kws {
				if strings.Contains(title, kw) {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}
