package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/leadscout/batch"
	"github.com/hazyhaar/leadscout/connectivity"
	"github.com/hazyhaar/leadscout/linkedin"
	"github.com/hazyhaar/leadscout/ratelimit"
	"github.com/hazyhaar/leadscout/registry"
	"github.com/hazyhaar/leadscout/shield"
	"github.com/hazyhaar/leadscout/websearch"
)

var errBadRequest = errors.New("bad request")

// errorBody is the JSON shape of every error answer.
type errorBody struct {
	Error  string                   `json:"error"`
	Code   string                   `json:"code"`
	Status linkedin.Status          `json:"status,omitempty"`
	Hint   string                   `json:"hint,omitempty"`
	Limit  *ratelimit.ServiceStatus `json:"rateLimit,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
}

// queryInt reads an optional integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
	}
	return n, nil
}

// classify maps an error to its HTTP status and machine-readable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, batch.ErrInvalidRequest),
		errors.Is(err, linkedin.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, linkedin.ErrAuthNotReady):
		return http.StatusConflict, "auth_not_ready"
	case errors.Is(err, linkedin.ErrVerificationRequired):
		return http.StatusAccepted, "verification_required"
	case errors.Is(err, linkedin.ErrAuthBusy):
		return http.StatusConflict, "auth_busy"
	case errors.Is(err, linkedin.ErrWrongState):
		return http.StatusConflict, "wrong_state"
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, batch.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, registry.ErrNotConfigured), errors.Is(err, websearch.ErrNotConfigured):
		return http.StatusServiceUnavailable, "not_configured"
	case errors.Is(err, linkedin.ErrAutomationFailure), errors.Is(err, connectivity.ErrUnavailable):
		return http.StatusBadGateway, "upstream_failure"
	}
	return http.StatusInternalServerError, "internal"
}

// fail writes err. sess, when known, gives the session status and hint.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, sess *linkedin.Session) {
	code, name := classify(err)
	body := errorBody{Error: err.Error(), Code: name}

	var nre *linkedin.NotReadyError
	if errors.As(err, &nre) {
		body.Status = nre.Status
	} else if sess != nil {
		body.Status = sess.Status
	}
	if body.Status != "" {
		body.Hint = body.Status.Hint()
	}

	var ee *ratelimit.ExceededError
	if errors.As(err, &ee) {
		st := ee.Status
		body.Limit = &st
		switch {
		case !ee.CooldownUntil.IsZero():
			secs := int(time.Until(ee.CooldownUntil).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		case st.NextDelayMs > 0:
			w.Header().Set("Retry-After", strconv.FormatInt(st.NextDelayMs/1000+1, 10))
		}
	}

	log := shield.GetLogger(r.Context())
	if code >= 500 {
		log.Error("request failed", "status", code, "error", err)
	} else {
		log.Info("request refused", "status", code, "code", name, "error", err)
	}
	writeJSON(w, code, body)
}
