package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/leadscout/batch/internal/store"
	"github.com/hazyhaar/leadscout/contact"
)

var (
	// ErrInvalidRequest is returned for an empty company or keyword list.
	ErrInvalidRequest = errors.New("batch: invalid request")
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("batch: session not found")
)

// Status of a SearchSession. It only moves forward:
// pending → processing → completed | failed.
type Status string

const (
	StatusPending    Status = store.StatusPending
	StatusProcessing Status = store.StatusProcessing
	StatusCompleted  Status = store.StatusCompleted
	StatusFailed     Status = store.StatusFailed
)

// Terminal reports whether the session will not change again.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Session is a snapshot of one batch search.
type Session struct {
	ID                string     `json:"sessionId"`
	Status            Status     `json:"status"`
	Companies         []string   `json:"companies"`
	Keywords          []string   `json:"keywords"`
	TotalCompanies    int        `json:"totalCompanies"`
	CompaniesSearched int        `json:"companiesSearched"`
	TotalResults      int        `json:"totalResults"`
	ErrorCount        int        `json:"errorCount"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	LimitPerCompany   int        `json:"limitPerCompany"`
	RequestKey        string     `json:"-"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// Request starts a batch.
type Request struct {
	Companies       []string `json:"companies"`
	Keywords        []string `json:"keywords"`
	LimitPerCompany int      `json:"limitPerCompany,omitempty"`
}

// Started is what StartBatch returns. Cached is true when an identical
// completed batch was reused and no work was scheduled.
type Started struct {
	Session Session
	Cached  bool
}

// ResultsPage is one page of a session's results.
type ResultsPage struct {
	Results           []contact.Result `json:"results"`
	Total             int              `json:"total"`
	Page              int              `json:"page"`
	PageSize          int              `json:"pageSize"`
	TotalPages        int              `json:"totalPages"`
	CompaniesSearched int              `json:"companiesSearched"`
	TotalCompanies    int              `json:"totalCompanies"`
	Status            Status           `json:"status"`
}

// History is one page of past sessions, newest first.
type History struct {
	Sessions   []Session `json:"sessions"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	TotalPages int       `json:"totalPages"`
}

// RequestKey identifies a batch independent of input order and spelling:
// SHA-256 over the sorted normalized companies and keywords.
func RequestKey(companies, keywords []string) string {
	norm := func(in []string) []string {
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = contact.Normalize(s)
		}
		sort.Strings(out)
		return out
	}
	h := sha256.New()
	h.Write([]byte(strings.Join(norm(companies), "\x1f")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(norm(keywords), "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

func fromRecord(r *store.Session) Session {
	s := Session{
		ID:                r.ID,
		Status:            Status(r.Status),
		Companies:         r.Companies,
		Keywords:          r.Keywords,
		TotalCompanies:    r.TotalCompanies,
		CompaniesSearched: r.CompaniesSearched,
		TotalResults:      r.TotalResults,
		ErrorCount:        r.ErrorCount,
		ErrorMessage:      r.ErrorMessage,
		LimitPerCompany:   r.LimitPerCompany,
		RequestKey:        r.RequestKey,
		CreatedAt:         time.UnixMilli(r.CreatedAt),
		UpdatedAt:         time.UnixMilli(r.UpdatedAt),
	}
	if r.CompletedAt > 0 {
		t := time.UnixMilli(r.CompletedAt)
		s.CompletedAt = &t
	}
	return s
}

// pages computes the page count and clamps page and size. size defaults
// to 20 and is capped at 100.
func pages(total, page, size int) (int, int, int) {
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	if page < 1 {
		page = 1
	}
	return (total + size - 1) / size, page, size
}
