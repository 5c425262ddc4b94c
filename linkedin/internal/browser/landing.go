package browser

import (
	"net/url"
	"strings"
)

// Network endpoints and the session cookie.
const (
	BaseURL      = "https://www.linkedin.com"
	LoginURL     = BaseURL + "/login"
	FeedURL      = BaseURL + "/feed/"
	SearchURL    = BaseURL + "/search/results/people/"
	CookieName   = "li_at"
	CookieDomain = ".linkedin.com"
)

// PinSelectors find the emailed-code input on a checkpoint page.
var PinSelectors = []string{`input[name="pin"]`, "#input__email_verification_pin"}

// ResultSelectors mark a rendered results list, newest layout last.
var ResultSelectors = []string{
	".search-results-container",
	".reusable-search__result-container",
	"[data-view-name='search-entity-result-universal-template']",
	".scaffold-finite-scroll__content",
	"ul.reusable-search__entity-result-list",
	".search-results__list",
}

// Landing is where a navigation ended up.
type Landing int

const (
	LandingUnknown Landing = iota
	LandingLoggedIn
	LandingPin        // checkpoint asking for the emailed code
	LandingCheckpoint // any other checkpoint: captcha, phone, app approval
	LandingLogin
)

func (l Landing) String() string {
	switch l {
	case LandingLoggedIn:
		return "logged_in"
	case LandingPin:
		return "pin"
	case LandingCheckpoint:
		return "checkpoint"
	case LandingLogin:
		return "login"
	}
	return "unknown"
}

var loggedInPaths = []string{"/feed", "/mynetwork", "/jobs", "/messaging", "/notifications", "/in/"}

// Classify maps the URL a page settled on to a Landing. pinField reports
// whether the page shows the emailed-code input. Only the path is
// inspected, so a redirect parameter naming /feed does not count.
func Classify(pageURL string, pinField bool) Landing {
	u, err := url.Parse(pageURL)
	if err != nil {
		return LandingUnknown
	}
	p := strings.ToLower(u.Path)

	switch {
	case strings.Contains(p, "/checkpoint"):
		if pinField {
			return LandingPin
		}
		return LandingCheckpoint
	case strings.Contains(p, "/login"), strings.Contains(p, "/authwall"):
		return LandingLogin
	}
	for _, lp := range loggedInPaths {
		if strings.Contains(p, lp) {
			return LandingLoggedIn
		}
	}
	return LandingUnknown
}

// PeopleSearchURL builds the people search URL for a query.
func PeopleSearchURL(query string) string {
	v := url.Values{}
	v.Set("keywords", query)
	v.Set("origin", "GLOBAL_SEARCH_HEADER")
	return SearchURL + "?" + v.Encode()
}
