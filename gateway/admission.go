package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/codecell/gateway/limiter"
)

const (
	minTimeoutSeconds = 10
	maxTimeoutSeconds = 120
	maxStdinLines     = 100
	maxStdinLineLen   = 256
)

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	SourceCode     string   `json:"sourceCode"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	Stdin          []string `json:"stdin"`
}

// fieldErrors maps a request field to the constraints it violated.
type fieldErrors map[string][]string

func (f fieldErrors) add(field, msg string) {
	f[field] = append(f[field], msg)
}

// validate checks the request against the execution request bounds. A nil
// result means the request is acceptable.
func (r *ExecuteRequest) validate() fieldErrors {
	errs := fieldErrors{}
	if len(r.SourceCode) < 1 {
		errs.add("sourceCode", "Minimal length of the source code is 1 symbol.")
	}
	if r.TimeoutSeconds < minTimeoutSeconds {
		errs.add("timeoutSeconds", "Minimum time for a timeout is 10 seconds.")
	}
	if r.TimeoutSeconds > maxTimeoutSeconds {
		errs.add("timeoutSeconds", "Maximum time for a timeout is 2 minutes.")
	}
	if len(r.Stdin) > maxStdinLines {
		errs.add("stdin", "Maximum amount of stdin arguments is 100.")
	}
	// The bound is on characters, not bytes; a line of multibyte runes must
	// get the full 256.
	for i, line := range r.Stdin {
		if utf8.RuneCountInString(line) > maxStdinLineLen {
			errs.add("stdin", fmt.Sprintf("Maximum length of each stdin argument is 256 symbols (line %d).", i+1))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

type validationBody struct {
	Error   string      `json:"error"`
	Details fieldErrors `json:"details"`
}

// admit runs the admission gate for one execution request: capability token,
// then payload shape, then the store round trips (rate limit, lock), in that
// order so invalid input never costs a store call. On success the caller owns
// releasing the lock for the returned identity.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request) (identity string, req ExecuteRequest, ok bool) {
	ctx := r.Context()

	c, err := r.Cookie(TokenCookieName)
	if err != nil {
		g.writeJSON(w, http.StatusUnauthorized, errorBody{Message: "Authorization required."})
		return "", ExecuteRequest{}, false
	}
	identity, err = g.issuer.Validate(c.Value)
	if err != nil {
		g.writeJSON(w, http.StatusUnauthorized, errorBody{Message: "Authorization required."})
		return "", ExecuteRequest{}, false
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeJSON(w, http.StatusUnprocessableEntity, validationBody{
			Error:   "Validation failed.",
			Details: fieldErrors{"body": {"Request body is not valid JSON."}},
		})
		return "", ExecuteRequest{}, false
	}
	if errs := req.validate(); errs != nil {
		g.writeJSON(w, http.StatusUnprocessableEntity, validationBody{Error: "Validation failed.", Details: errs})
		return "", ExecuteRequest{}, false
	}

	res, err := g.execLimiter.Consume(ctx, limiter.ClientAddr(r))
	if errors.Is(err, limiter.ErrRateLimited) {
		g.writeRateLimited(w, res)
		return "", ExecuteRequest{}, false
	}
	if err != nil {
		g.logger.Errorw("execution rate limiter store call failed", "Error", err)
		g.writeJSON(w, http.StatusInternalServerError, errorBody{Message: "Internal server error."})
		return "", ExecuteRequest{}, false
	}

	err = g.lock.Acquire(ctx, identity)
	if errors.Is(err, limiter.ErrLockHeld) {
		g.writeJSON(w, http.StatusConflict, errorBody{Message: "Another execution is already in progress."})
		return "", ExecuteRequest{}, false
	}
	if err != nil {
		g.logger.Errorw("acquiring execution lock failed", "Error", err, "Identity", identity)
		g.writeJSON(w, http.StatusInternalServerError, errorBody{Message: "Internal server error."})
		return "", ExecuteRequest{}, false
	}

	setRateLimitHeaders(w, res)
	return identity, req, true
}
