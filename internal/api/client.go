package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/tradeflow/tflow/internal/auth"
	"github.com/tradeflow/tflow/internal/cache"
	"github.com/tradeflow/tflow/internal/logging"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 * 1024 * 1024

	loginRetries    = 2
	loginRetryDelay = 500 * time.Millisecond
)

// Doer sends a single HTTP request.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPDoer adapts a plain *http.Client to Doer.
type HTTPDoer struct {
	Client *http.Client
}

func (d HTTPDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return d.Client.Do(req.WithContext(ctx))
}

// NewHTTPClient returns the base HTTP client used for every call.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// NewRetryDoer wraps base for /auth/login. Only requests that never got a
// response are retried; a status code is always returned to the caller.
func NewRetryDoer(base *http.Client, logger zerolog.Logger) (Doer, error) {
	rc, err := retry.NewClient(
		retry.WithHTTPClient(base),
		retry.WithMaxRetries(loginRetries),
		retry.WithInitialRetryDelay(loginRetryDelay),
		retry.WithMaxRetryDelay(4*loginRetryDelay),
		retry.WithRetryableChecker(retryConnectionErrors),
		retry.WithLogger(logging.NewKV(logger.With().Str("component", "retry").Logger())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return rc, nil
}

func retryConnectionErrors(err error, _ *http.Response) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Client is the request pipeline: it attaches the session token to every
// call, starts a proactive refresh when the token is about to expire, and
// on a 401 refreshes through the coordinator and retries exactly once.
type Client struct {
	baseURL   string
	timeout   time.Duration
	http      Doer
	loginHTTP Doer
	tokens    *auth.TokenStore
	predictor *auth.Predictor
	coord     *auth.Coordinator
	me        *cache.Gate[auth.Record]
	log       zerolog.Logger
}

type clientConfig struct {
	timeout   time.Duration
	http      Doer
	loginHTTP Doer
	logger    zerolog.Logger
	predictor *auth.Predictor
	coordOpts []auth.CoordinatorOption
	freshness time.Duration
	clock     func() time.Time
}

// Option configures a Client.
type Option func(*clientConfig)

// WithTimeout bounds each request attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPDoer sets the transport for resource calls.
func WithHTTPDoer(d Doer) Option {
	return func(c *clientConfig) { c.http = d }
}

// WithLoginHTTPDoer sets the transport for /auth/login. Defaults to the
// resource transport. Refresh and logout always use the resource transport
// so each makes exactly one attempt.
func WithLoginHTTPDoer(d Doer) Option {
	return func(c *clientConfig) { c.loginHTTP = d }
}

// WithLogger sets the logger shared by the client and its coordinator.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *clientConfig) { c.logger = logger }
}

// WithPredictor overrides the expiry predictor.
func WithPredictor(p *auth.Predictor) Option {
	return func(c *clientConfig) { c.predictor = p }
}

// WithCoordinatorOptions passes options to the refresh coordinator.
func WithCoordinatorOptions(opts ...auth.CoordinatorOption) Option {
	return func(c *clientConfig) { c.coordOpts = append(c.coordOpts, opts...) }
}

// WithMeFreshness sets how long /auth/me results are served from memory.
func WithMeFreshness(d time.Duration) Option {
	return func(c *clientConfig) { c.freshness = d }
}

// WithClock overrides time.Now for the /auth/me gate.
func WithClock(now func() time.Time) Option {
	return func(c *clientConfig) { c.clock = now }
}

// NewClient creates a new API client.
func NewClient(baseURL string, tokens *auth.TokenStore, opts ...Option) *Client {
	cfg := clientConfig{
		timeout:   defaultTimeout,
		logger:    zerolog.Nop(),
		freshness: cache.DefaultFreshness,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.http == nil {
		cfg.http = HTTPDoer{Client: NewHTTPClient()}
	}
	if cfg.loginHTTP == nil {
		cfg.loginHTTP = cfg.http
	}
	if cfg.predictor == nil {
		cfg.predictor = auth.NewPredictor(cfg.logger)
	}

	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		timeout:   cfg.timeout,
		http:      cfg.http,
		loginHTTP: cfg.loginHTTP,
		tokens:    tokens,
		predictor: cfg.predictor,
		me:        cache.NewGate[auth.Record](cfg.freshness, cache.WithClock(cfg.clock), cache.WithLogger(cfg.logger)),
		log:       cfg.logger.With().Str("component", "api").Logger(),
	}

	coordOpts := append([]auth.CoordinatorOption{auth.WithCoordinatorLogger(cfg.logger)}, cfg.coordOpts...)
	c.coord = auth.NewCoordinator(tokens, c.RefreshTokens, coordOpts...)
	return c
}

// BaseURL returns the API origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Coordinator returns the refresh coordinator owned by this client.
func (c *Client) Coordinator() *auth.Coordinator {
	return c.coord
}

// MeGate returns the /auth/me dedup gate so it can be invalidated with the
// other caches.
func (c *Client) MeGate() cache.Invalidator {
	return c.me
}

// Get performs an authenticated GET request.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post performs an authenticated POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, data)
}

// Put performs an authenticated PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPut, path, data)
}

// Delete performs an authenticated DELETE request.
func (c *Client) Delete(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func marshalBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return data, nil
}

type retriedKey struct{}

func markRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func isRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	token := c.beforeSend()
	return c.exchange(ctx, method, path, body, token)
}

// beforeSend returns the token to attach and, when it is about to expire,
// starts a background refresh. The current request keeps the old token.
func (c *Client) beforeSend() string {
	sess := c.tokens.Get()
	if sess.AccessToken != "" && sess.RefreshToken != "" && c.predictor.IsExpiringSoon(sess.AccessToken) {
		if c.coord.TriggerAsync() {
			c.log.Debug().Msg("access token expiring soon, proactive refresh started")
		}
	}
	return sess.AccessToken
}

func (c *Client) exchange(ctx context.Context, method, path string, body []byte, token string) ([]byte, error) {
	status, respBody, err := c.send(ctx, c.http, method, path, body, token)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusUnauthorized:
		return c.handleUnauthorized(ctx, method, path, body, token, respBody)
	case !isSuccess(status):
		return nil, newAPIError(method, path, status, respBody)
	}
	return respBody, nil
}

func (c *Client) handleUnauthorized(ctx context.Context, method, path string, body []byte, used string, respBody []byte) ([]byte, error) {
	apiErr := newAPIError(method, path, http.StatusUnauthorized, respBody)

	sess := c.tokens.Get()
	if isRetried(ctx) || sess.RefreshToken == "" {
		c.coord.Expire(apiErr)
		return nil, fmt.Errorf("%w: %w", ErrAuthExpired, apiErr)
	}

	// A refresh already completed after this request was sent.
	if sess.AccessToken != "" && sess.AccessToken != used {
		return c.exchange(markRetried(ctx), method, path, body, sess.AccessToken)
	}

	c.log.Debug().Str("method", method).Str("path", path).Msg("401 received, refreshing before retry")
	token, err := c.coord.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return c.exchange(markRetried(ctx), method, path, body, token)
}

// send executes one HTTP attempt bounded by the client timeout.
func (c *Client) send(ctx context.Context, doer Doer, method, path string, body []byte, token string) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := doer.DoWithContext(reqCtx, req)
	if err != nil {
		return 0, nil, &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Op: "read " + path, Err: err}
	}
	return resp.StatusCode, respBody, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Login authenticates with email and password and stores the session.
func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	body, err := marshalBody(map[string]string{"email": email, "password": password})
	if err != nil {
		return auth.Session{}, err
	}

	status, respBody, err := c.send(ctx, c.loginHTTP, http.MethodPost, PathLogin, body, "")
	if err != nil {
		return auth.Session{}, fmt.Errorf("login failed: %w", err)
	}
	if !isSuccess(status) {
		return auth.Session{}, fmt.Errorf("login failed: %w", newAPIError(http.MethodPost, PathLogin, status, respBody))
	}

	var resp struct {
		Token string `json:"token"`
		Data  struct {
			User   auth.Record `json:"user"`
			Tokens tokenPair   `json:"tokens"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return auth.Session{}, fmt.Errorf("failed to parse login response: %w", err)
	}

	access := resp.Data.Tokens.AccessToken
	if access == "" {
		access = resp.Token
	}
	if access == "" {
		return auth.Session{}, errors.New("login response carried no access token")
	}

	tok := c.newToken(access, resp.Data.Tokens.RefreshToken)
	if err := c.coord.StartSession(func() error { return c.tokens.Set(tok, resp.Data.User) }); err != nil {
		return auth.Session{}, fmt.Errorf("failed to store session: %w", err)
	}
	c.me.Invalidate()

	c.log.Info().Msg("logged in")
	return c.tokens.Get(), nil
}

// Logout notifies the backend and clears the local session. The local
// session is cleared even when the request fails; the request error is
// still returned for reporting.
func (c *Client) Logout(ctx context.Context) error {
	var remoteErr error
	if token := c.tokens.GetToken(); token != "" {
		status, respBody, err := c.send(ctx, c.http, http.MethodPost, PathLogout, nil, token)
		switch {
		case err != nil:
			remoteErr = err
		case !isSuccess(status):
			remoteErr = newAPIError(http.MethodPost, PathLogout, status, respBody)
		}
	}

	if err := c.coord.EndSession(c.tokens.Clear); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	c.me.Invalidate()

	if remoteErr != nil {
		c.log.Warn().Err(remoteErr).Msg("logout request failed, local session cleared")
		return fmt.Errorf("logout request failed (local session cleared): %w", remoteErr)
	}
	c.log.Info().Msg("logged out")
	return nil
}

// RefreshTokens calls the refresh endpoint. It is the coordinator's
// RefreshFunc and is not subject to 401 handling itself.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	body, err := marshalBody(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, err
	}

	status, respBody, err := c.send(ctx, c.http, http.MethodPost, PathRefreshToken, body, "")
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, newAPIError(http.MethodPost, PathRefreshToken, status, respBody)
	}

	var resp struct {
		AccessToken  string `json:"accessToken"`
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
		Data         struct {
			Tokens tokenPair `json:"tokens"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}

	access := firstNonEmpty(resp.AccessToken, resp.Token, resp.Data.Tokens.AccessToken)
	if access == "" {
		return nil, errors.New("refresh response carried no access token")
	}
	return c.newToken(access, firstNonEmpty(resp.RefreshToken, resp.Data.Tokens.RefreshToken)), nil
}

// Me returns the current user profile. Concurrent calls share one request
// and results are served from memory for a short window.
func (c *Client) Me(ctx context.Context) (auth.Record, error) {
	return c.me.Do(ctx, PathMe, func(ctx context.Context) (auth.Record, error) {
		raw, err := c.Get(ctx, PathMe)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Data auth.Record `json:"data"`
			User auth.Record `json:"user"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse profile: %w", err)
		}
		switch {
		case resp.Data != nil:
			return resp.Data, nil
		case resp.User != nil:
			return resp.User, nil
		default:
			return nil, errors.New("profile response carried no user")
		}
	})
}

func (c *Client) newToken(access, refresh string) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
	}
	if exp, err := auth.TokenExpiry(access); err == nil {
		tok.Expiry = exp
	}
	return tok
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
