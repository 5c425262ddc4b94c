package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/leadscout/contact"
	"github.com/hazyhaar/leadscout/registry"
	"github.com/hazyhaar/leadscout/shield"
	"github.com/hazyhaar/leadscout/websearch"
)

type simpleSearchRequest struct {
	JobFunction string `json:"jobFunction"`
	CompanyName string `json:"companyName"`
	Max         int    `json:"max,omitempty"`
}

type simpleSearchResponse struct {
	Company          registry.Company  `json:"company"`
	Contacts         []contact.Contact `json:"contacts"`
	SearchedFunction string            `json:"searchedFunction"`
	LinkedInFound    bool              `json:"linkedinFound"`
	ProfilesCount    int               `json:"profilesCount"`
}

// simpleSearch answers "who is the <function> at <company>" without the
// automation session: the registry resolves the company, then the web
// search finds public profiles under the resolved name.
func (s *Server) simpleSearch(w http.ResponseWriter, r *http.Request) {
	var req simpleSearchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	start := time.Now()
	resp, err := s.prospect(r.Context(), req)
	s.record(r.Context(), "simple_search", req.CompanyName, req, err, start)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) prospect(ctx context.Context, req simpleSearchRequest) (*simpleSearchResponse, error) {
	function, name := strings.TrimSpace(req.JobFunction), strings.TrimSpace(req.CompanyName)
	if function == "" || name == "" {
		return nil, fmt.Errorf("%w: jobFunction and companyName are required", errBadRequest)
	}
	if s.cfg.Profiles == nil {
		return nil, websearch.ErrNotConfigured
	}
	max := req.Max
	if max <= 0 {
		max = websearch.MaxResults
	}

	company := s.resolveCompany(ctx, name)
	found, err := s.cfg.Profiles.FindProfiles(ctx, function, company.Name, max)
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []contact.Contact{}
	}
	return &simpleSearchResponse{
		Company:          company,
		Contacts:         found,
		SearchedFunction: function,
		LinkedInFound:    len(found) > 0,
		ProfilesCount:    len(found),
	}, nil
}

// resolveCompany returns the registry record of name, or a record holding
// only the name when the registry is unset, has no match or fails.
func (s *Server) resolveCompany(ctx context.Context, name string) registry.Company {
	if s.cfg.Companies == nil {
		return registry.Company{Name: name}
	}
	c, err := s.cfg.Companies.LookupCompany(ctx, name)
	switch {
	case err == nil && c != nil:
		return *c
	case err == nil, errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrNotConfigured):
		shield.GetLogger(ctx).Info("simple search: company not in registry", "company", name)
	default:
		shield.GetLogger(ctx).Warn("simple search: registry lookup failed", "company", name, "error", err)
	}
	return registry.Company{Name: name}
}
