package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hazyhaar/leadscout/contact"
	"github.com/hazyhaar/leadscout/linkedin"
	"github.com/hazyhaar/leadscout/ratelimit"
)

// authResponse is the answer of every session operation.
type authResponse struct {
	linkedin.Session
	Message string `json:"message,omitempty"`
}

func (s *Server) authStatus(w http.ResponseWriter, _ *http.Request) {
	sess := s.cfg.Auth.Status()
	writeJSON(w, http.StatusOK, authResponse{Session: sess, Message: sess.Status.Hint()})
}

// authStep runs one session operation and writes its outcome. A pending
// verification code is a normal step, answered 202.
func (s *Server) authStep(w http.ResponseWriter, r *http.Request, action string, step func(context.Context) (linkedin.Session, error)) {
	start := time.Now()
	sess, err := step(r.Context())
	s.record(r.Context(), action, sess.AccountIdentifier, nil, err, start)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, authResponse{Session: sess, Message: sess.Status.Hint()})
	case errors.Is(err, linkedin.ErrVerificationRequired) && !errors.Is(err, linkedin.ErrAuthNotReady):
		writeJSON(w, http.StatusAccepted, authResponse{Session: sess, Message: err.Error()})
	default:
		s.fail(w, r, err, &sess)
	}
}

func (s *Server) connectCookie(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cookie string `json:"cookie"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.authStep(w, r, "connect_cookie", func(ctx context.Context) (linkedin.Session, error) {
		return s.cfg.Auth.ConnectWithCookie(ctx, req.Cookie)
	})
}

func (s *Server) connectCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.authStep(w, r, "connect_credentials", func(ctx context.Context) (linkedin.Session, error) {
		return s.cfg.Auth.ConnectWithCredentials(ctx, req.Email, req.Password)
	})
}

func (s *Server) verifyCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.authStep(w, r, "verify_code", func(ctx context.Context) (linkedin.Session, error) {
		return s.cfg.Auth.SubmitVerificationCode(ctx, req.Code)
	})
}

func (s *Server) openBrowser(w http.ResponseWriter, r *http.Request) {
	s.authStep(w, r, "open_browser", s.cfg.Auth.OpenInteractiveLoginSurface)
}

func (s *Server) validateSession(w http.ResponseWriter, r *http.Request) {
	s.authStep(w, r, "validate_session", s.cfg.Auth.ValidateSession)
}

// disconnect also ends the usage session on the rate limiter, so the next
// login starts after a cooldown rather than extending the last session.
func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.authStep(w, r, "disconnect", func(ctx context.Context) (linkedin.Session, error) {
		sess, err := s.cfg.Auth.Disconnect(ctx)
		s.cfg.Limits.EndSession(ratelimit.ServiceLinkedIn)
		return sess, err
	})
}

type adhocRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type adhocResponse struct {
	Query   string            `json:"query"`
	Results []contact.Contact `json:"results"`
	Count   int               `json:"count"`
}

func (s *Server) adhocSearch(w http.ResponseWriter, r *http.Request) {
	var req adhocRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	start := time.Now()
	resp, err := s.search(r.Context(), req)
	s.record(r.Context(), "adhoc_search", "", req, err, start)
	if err != nil {
		sess := s.cfg.Auth.Status()
		s.fail(w, r, err, &sess)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// search runs one live people search under the shared rate limit. Calls
// refused before reaching the network are not counted.
func (s *Server) search(ctx context.Context, req adhocRequest) (*adhocResponse, error) {
	if err := s.cfg.Limits.Exceeded(ratelimit.ServiceLinkedIn); err != nil {
		return nil, err
	}
	found, err := s.cfg.Auth.Search(ctx, req.Query, req.Limit)
	if !errors.Is(err, linkedin.ErrAuthNotReady) && !errors.Is(err, linkedin.ErrAuthBusy) &&
		!errors.Is(err, linkedin.ErrInvalidRequest) {
		s.cfg.Limits.RecordRequest(ratelimit.ServiceLinkedIn)
	}
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []contact.Contact{}
	}
	return &adhocResponse{Query: req.Query, Results: found, Count: len(found)}, nil
}
