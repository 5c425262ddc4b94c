// Package registry looks companies up in the Pappers registry of French
// companies.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/hazyhaar/leadscout/connectivity"
	"github.com/hazyhaar/leadscout/ratelimit"
)

// DefaultBaseURL is the Pappers v2 API.
const DefaultBaseURL = "https://api.pappers.fr/v2"

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("registry: API key not configured")
	// ErrNotFound is returned when no company matches.
	ErrNotFound = errors.New("registry: company not found")
)

// Address is a company's registered office.
type Address struct {
	Street     string `json:"street,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	City       string `json:"city,omitempty"`
}

// Company is the registry record of one company.
type Company struct {
	Name           string   `json:"name"`
	SIREN          string   `json:"siren,omitempty"`
	SIRET          string   `json:"siret,omitempty"`
	Revenue        *int64   `json:"revenue,omitempty"`
	Employees      *int     `json:"employees,omitempty"`
	EmployeesRange string   `json:"employeesRange,omitempty"`
	Address        *Address `json:"address,omitempty"`
	NAFCode        string   `json:"nafCode,omitempty"`
	NAFLabel       string   `json:"nafLabel,omitempty"`
	LegalForm      string   `json:"legalForm,omitempty"`
	CreatedOn      string   `json:"createdOn,omitempty"`
}

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string // Default: DefaultBaseURL.

	Gate   connectivity.Gate // usually the shared *ratelimit.Limiter
	HTTP   *http.Client
	Retry  connectivity.RetryPolicy
	Logger *slog.Logger
}

// Client is a Pappers API client.
type Client struct {
	key  string
	base string
	http *connectivity.Client
	log  *slog.Logger
}

// New returns a Client metered under ratelimit.ServiceRegistry.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		key:  cfg.APIKey,
		base: strings.TrimRight(cfg.BaseURL, "/"),
		log:  cfg.Logger,
		http: connectivity.NewClient(connectivity.Config{
			Service: ratelimit.ServiceRegistry,
			HTTP:    cfg.HTTP,
			Gate:    cfg.Gate,
			Retry:   cfg.Retry,
			Logger:  cfg.Logger,
		}),
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool { return c.key != "" }

// LookupCompany returns the best match for name.
func (c *Client) LookupCompany(ctx context.Context, name string) (*Company, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("registry: empty company name")
	}
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	var resp struct {
		Results []record `json:"resultats"`
	}
	q := url.Values{"q": {name}, "par_page": {"1"}}
	if err := c.get(ctx, "/recherche", q, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		c.log.Info("registry: no match", "company", name)
		return nil, ErrNotFound
	}
	return resp.Results[0].company(), nil
}

// BySIREN returns the company with the given 9-digit SIREN.
func (c *Client) BySIREN(ctx context.Context, siren string) (*Company, error) {
	siren = strings.ReplaceAll(siren, " ", "")
	if len(siren) != 9 {
		return nil, fmt.Errorf("registry: SIREN must have 9 digits, got %q", siren)
	}
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	var rec record
	if err := c.get(ctx, "/entreprise", url.Values{"siren": {siren}}, &rec); err != nil {
		return nil, err
	}
	return rec.company(), nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	q.Set("api_token", c.key)
	err := c.http.GetJSON(ctx, c.base+path+"?"+q.Encode(), nil, out)
	var se *connectivity.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("registry: %s: %w", path, err)
	}
	return nil
}

// record is the subset of a Pappers company we read.
type record struct {
	Name      string          `json:"nom_entreprise"`
	Legal     string          `json:"denomination"`
	SIREN     string          `json:"siren"`
	Revenue   *int64          `json:"chiffre_affaires"`
	Headcount json.RawMessage `json:"effectif"`
	NAFCode   string          `json:"code_naf"`
	NAFLabel  string          `json:"libelle_code_naf"`
	LegalForm string          `json:"forme_juridique"`
	CreatedOn string          `json:"date_creation"`
	Seat      *struct {
		SIRET      string `json:"siret"`
		Street     string `json:"adresse_ligne_1"`
		PostalCode string `json:"code_postal"`
		City       string `json:"ville"`
	} `json:"siege"`
}

var firstNumber = regexp.MustCompile(`\d+`)

func (r record) company() *Company {
	c := &Company{
		Name:      r.Name,
		SIREN:     r.SIREN,
		Revenue:   r.Revenue,
		NAFCode:   r.NAFCode,
		NAFLabel:  r.NAFLabel,
		LegalForm: r.LegalForm,
		CreatedOn: r.CreatedOn,
	}
	if c.Name == "" {
		c.Name = r.Legal
	}
	if r.Seat != nil {
		c.SIRET = r.Seat.SIRET
		c.Address = &Address{Street: r.Seat.Street, PostalCode: r.Seat.PostalCode, City: r.Seat.City}
	}

	// effectif is either a count or a range such as "50 a 99 salaries".
	var n int
	var s string
	switch {
	case json.Unmarshal(r.Headcount, &n) == nil:
		c.Employees = &n
	case json.Unmarshal(r.Headcount, &s) == nil && s != "":
		c.EmployeesRange = s
		if m := firstNumber.FindString(s); m != "" {
			if v, err := strconv.Atoi(m); err == nil {
				c.Employees = &v
			}
		}
	}
	return c
}
