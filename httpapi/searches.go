package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/leadscout/audit"
	"github.com/hazyhaar/leadscout/batch"
	"github.com/hazyhaar/leadscout/ratelimit"
	"github.com/hazyhaar/leadscout/registry"
	"github.com/hazyhaar/leadscout/websearch"
)

type startResponse struct {
	SessionID      string       `json:"sessionId"`
	Status         batch.Status `json:"status"`
	TotalCompanies int          `json:"totalCompanies"`
	Cached         bool         `json:"cached"`
}

func (s *Server) startSearch(w http.ResponseWriter, r *http.Request) {
	var req batch.Request
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	start := time.Now()
	st, err := s.cfg.Batches.StartBatch(r.Context(), req)
	s.record(r.Context(), "start_search", st.Session.ID, req, err, start)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	code := http.StatusAccepted
	if st.Cached {
		code = http.StatusOK
	}
	writeJSON(w, code, startResponse{
		SessionID:      st.Session.ID,
		Status:         st.Session.Status,
		TotalCompanies: st.Session.TotalCompanies,
		Cached:         st.Cached,
	})
}

func (s *Server) listSearches(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	size, err := queryInt(r, "pageSize", 20)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	hist, err := s.cfg.Batches.List(r.Context(), page, size)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) searchStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Batches.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) searchResults(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	size, err := queryInt(r, "pageSize", 20)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	res, err := s.cfg.Batches.Results(r.Context(), chi.URLParam(r, "id"), page, size)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// checkOrigin accepts requests without an Origin, pages served from the
// API's own host and the configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	origin = strings.TrimSuffix(origin, "/")
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	s.cfg.Logger.Warn("websocket origin refused", "origin", origin, "host", r.Host)
	return false
}

// searchEvents streams session snapshots over a websocket until the
// session is terminal, then closes normally.
func (s *Server) searchEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, cancel, err := s.cfg.Batches.Subscribe(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	defer cancel()

	conn, err := s.ws.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn("websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()

	// The client only ever closes; reading detects it.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case snap, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) rateLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]ratelimit.ServiceStatus{"services": s.cfg.Limits.Status()})
}

func (s *Server) lookupCompany(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Companies == nil {
		s.fail(w, r, registry.ErrNotConfigured, nil)
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.fail(w, r, fmt.Errorf("%w: q is required", errBadRequest), nil)
		return
	}
	c, err := s.cfg.Companies.LookupCompany(r.Context(), q)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) findProfiles(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Profiles == nil {
		s.fail(w, r, websearch.ErrNotConfigured, nil)
		return
	}
	q := r.URL.Query()
	function, company := strings.TrimSpace(q.Get("function")), strings.TrimSpace(q.Get("company"))
	if function == "" || company == "" {
		s.fail(w, r, fmt.Errorf("%w: function and company are required", errBadRequest), nil)
		return
	}
	max, err := queryInt(r, "max", 5)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	found, err := s.cfg.Profiles.FindProfiles(r.Context(), function, company, max)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": found, "count": len(found)})
}

// record adds an audit entry when auditing is enabled.
func (s *Server) record(ctx context.Context, action, target string, params any, err error, start time.Time) {
	if s.cfg.Audit != nil {
		s.cfg.Audit.Record(ctx, action, target, params, err, start)
	}
}

func (s *Server) auditLog(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []audit.Entry{}})
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	q := r.URL.Query()
	entries, err := s.cfg.Audit.Query(r.Context(), audit.Filter{
		Action: q.Get("action"),
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
