// Package websearch finds public LinkedIn profiles through Google Custom
// Search, as a fallback to the authenticated session.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/hazyhaar/leadscout/connectivity"
	"github.com/hazyhaar/leadscout/contact"
	"github.com/hazyhaar/leadscout/ratelimit"
)

// DefaultBaseURL is the Custom Search JSON API.
const DefaultBaseURL = "https://www.googleapis.com/customsearch/v1"

// ErrNotConfigured is returned when the API key or engine id is missing.
var ErrNotConfigured = errors.New("websearch: API key or engine id not configured")

// MaxResults caps one lookup; the API returns at most 10 items per call.
const MaxResults = 10

// Config configures a Client.
type Config struct {
	APIKey   string
	EngineID string // the "cx" parameter
	BaseURL  string // Default: DefaultBaseURL.

	Gate   connectivity.Gate
	HTTP   *http.Client
	Retry  connectivity.RetryPolicy
	Logger *slog.Logger
}

// Client is a Custom Search client.
type Client struct {
	key, cx, base string
	http          *connectivity.Client
	log           *slog.Logger
}

// New returns a Client metered under ratelimit.ServiceWebSearch.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		key:  cfg.APIKey,
		cx:   cfg.EngineID,
		base: cfg.BaseURL,
		log:  cfg.Logger,
		http: connectivity.NewClient(connectivity.Config{
			Service: ratelimit.ServiceWebSearch,
			HTTP:    cfg.HTTP,
			Gate:    cfg.Gate,
			Retry:   cfg.Retry,
			Logger:  cfg.Logger,
		}),
	}
}

// Configured reports whether the client can search.
func (c *Client) Configured() bool { return c.key != "" && c.cx != "" }

type item struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// FindProfiles returns up to max distinct profiles matching a job function
// at a company. Only linkedin.com/in links are kept.
func (c *Client) FindProfiles(ctx context.Context, function, company string, max int) ([]contact.Contact, error) {
	function, company = strings.TrimSpace(function), strings.TrimSpace(company)
	if function == "" || company == "" {
		return nil, errors.New("websearch: function and company are required")
	}
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if max <= 0 {
		max = 5
	}
	max = min(max, MaxResults)

	q := url.Values{
		"key": {c.key},
		"cx":  {c.cx},
		"q":   {fmt.Sprintf(`%s "%s" site:linkedin.com/in`, function, company)},
		"num": {"10"},
	}
	var resp struct {
		Items []item `json:"items"`
	}
	if err := c.http.GetJSON(ctx, c.base+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("websearch: %w", err)
	}

	out := []contact.Contact{}
	seen := map[string]bool{}
	for _, it := range resp.Items {
		profile := cleanProfileURL(it.Link)
		if profile == "" || seen[profile] {
			continue
		}
		name := nameFromTitle(it.Title)
		if name == "" {
			continue
		}
		seen[profile] = true
		out = append(out, contact.Contact{
			Name:       name,
			Title:      jobTitle(it.Title, it.Snippet),
			Company:    company,
			ProfileURL: profile,
		})
		if len(out) == max {
			break
		}
	}
	c.log.Info("websearch: profiles", "function", function, "company", company, "found", len(out))
	return out, nil
}

var (
	linkedinSuffix = regexp.MustCompile(`(?i)\s*\|\s*LinkedIn\s*$`)
	hasLetter      = regexp.MustCompile(`\pL`)
	roleAt         = regexp.MustCompile(`(?i)^([^·\n]+?)\s+(?:chez|at)\s+`)
)

// titleParts splits "Jean Dupont - Directeur Commercial - Carrefour | LinkedIn".
func titleParts(title string) []string {
	return strings.Split(linkedinSuffix.ReplaceAllString(title, ""), " - ")
}

func nameFromTitle(title string) string {
	name := strings.TrimSpace(titleParts(title)[0])
	if len(name) >= 60 || !hasLetter.MatchString(name) {
		return ""
	}
	return name
}

func jobTitle(title, snippet string) string {
	if parts := titleParts(title); len(parts) >= 2 {
		if t := strings.TrimSpace(parts[1]); t != "" && len(t) < 100 {
			return t
		}
	}
	if m := roleAt.FindStringSubmatch(snippet); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// cleanProfileURL keeps https://<host>/in/<slug>, dropping query and
// fragment. Anything other than a profile link yields "".
func cleanProfileURL(link string) string {
	if !strings.Contains(link, "linkedin.com/in/") {
		return ""
	}
	if !strings.Contains(link, "://") {
		link = "https://" + link
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	if h := u.Hostname(); h != "linkedin.com" && !strings.HasSuffix(h, ".linkedin.com") {
		return ""
	}
	u.Scheme = "https"
	u.RawQuery, u.Fragment = "", ""
	return u.String()
}
