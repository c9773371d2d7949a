// Package gateway is the HTTP surface of the execution service: it issues
// capability tokens, admits execution requests, and bridges admitted runs
// onto long-lived event streams.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/codecell/gateway/limiter"
	"github.com/codecell/gateway/runner"
	"github.com/codecell/gateway/token"
)

// TokenCookieName is the cookie that carries the capability token between the
// token endpoint and the execute endpoint.
const TokenCookieName = "execution_token"

// DefaultLanguage is the execution language for this deployment.
const DefaultLanguage = "dotnet"

// Gateway serves the token and execute endpoints. One Gateway handles any
// number of concurrent sessions; sessions coordinate only through the shared
// store.
type Gateway struct {
	logger *zap.SugaredLogger

	issuer       *token.Issuer
	tokenLimiter *limiter.RateLimiter
	execLimiter  *limiter.RateLimiter
	lock         *limiter.ExecutionLock
	runnerClient *runner.Client

	language      string
	listenAddr    string
	secureCookies bool

	httpServer *http.Server
}

type Option func(g *Gateway)

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.Named("gateway").Sugar()
	}
}

func WithLanguage(s string) Option {
	return func(g *Gateway) {
		g.language = s
	}
}

// WithSecureCookies marks the token cookie Secure; enable it wherever TLS
// terminates in front of the gateway.
func WithSecureCookies(b bool) Option {
	return func(g *Gateway) {
		g.secureCookies = b
	}
}

// New constructs a Gateway around its collaborators: the token issuer, the
// shared Redis store, and the runner endpoint client.
func New(issuer *token.Issuer, rdb *redis.Client, runnerClient *runner.Client, opts ...Option) (*Gateway, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	g := &Gateway{
		logger:       logger.Named("gateway").Sugar(),
		issuer:       issuer,
		tokenLimiter: limiter.NewTokenIssuanceLimiter(rdb),
		execLimiter:  limiter.NewExecutionLimiter(rdb),
		lock:         limiter.NewExecutionLock(rdb),
		runnerClient: runnerClient,
		language:     DefaultLanguage,
		listenAddr:   "0.0.0.0:8080",
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Handler returns the route table. Exposed so tests can mount the gateway on
// an httptest server.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodPost, "/token", g.handleToken)
	router.HandlerFunc(http.MethodPost, "/execute", g.handleExecute)
	return router
}

// Run serves HTTP and returns once the gateway has stopped.
func (g *Gateway) Run() error {
	tcpListener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	server := http.Server{Handler: g.Handler()}
	g.httpServer = &server

	err = server.Serve(tcpListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Gateway) Stop() error {
	if g.httpServer == nil {
		return nil
	}
	return g.httpServer.Close()
}

// handleToken issues a capability token, or returns the caller's existing one
// while it is still valid.
func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr := limiter.ClientAddr(r)

	res, err := g.tokenLimiter.Consume(ctx, addr)
	if errors.Is(err, limiter.ErrRateLimited) {
		g.writeRateLimited(w, res)
		return
	}
	if err != nil {
		g.logger.Errorw("token rate limiter store call failed", "Error", err)
		g.writeJSON(w, http.StatusInternalServerError, errorBody{Message: "Internal server error."})
		return
	}
	setRateLimitHeaders(w, res)

	if c, cerr := r.Cookie(TokenCookieName); cerr == nil {
		if _, verr := g.issuer.Validate(c.Value); verr == nil {
			g.writeJSON(w, http.StatusOK, tokenBody{ExecutionToken: c.Value})
			return
		}
	}

	tok, expiry, err := g.issuer.Issue()
	if err != nil {
		g.logger.Errorw("issuing execution token failed", "Error", err)
		g.writeJSON(w, http.StatusInternalServerError, errorBody{Message: "Internal server error."})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookieName,
		Value:    tok,
		Path:     "/",
		Expires:  expiry,
		HttpOnly: true,
		Secure:   g.secureCookies,
	})
	g.logger.Infow("issued execution token", "Addr", addr, "Expiry", expiry)
	g.writeJSON(w, http.StatusCreated, tokenBody{ExecutionToken: tok})
}

type tokenBody struct {
	ExecutionToken string `json:"executionToken"`
}

type errorBody struct {
	Message string `json:"message"`
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		g.logger.Errorw("error marshaling response body", "Error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func (g *Gateway) writeRateLimited(w http.ResponseWriter, res limiter.Result) {
	setRateLimitHeaders(w, res)
	g.writeJSON(w, http.StatusTooManyRequests, errorBody{Message: "Too many requests. You are rate-limited."})
}

func setRateLimitHeaders(w http.ResponseWriter, res limiter.Result) {
	h := w.Header()
	h.Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	// Round the reset up so clients never come back a second before the
	// window actually turns over.
	reset := res.Reset.Unix()
	if res.Reset.Nanosecond() > 0 {
		reset++
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
}
