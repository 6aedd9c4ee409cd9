package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// DefaultRefreshTimeout bounds a single refresh call so a hung refresh
// cannot stall every waiter.
const DefaultRefreshTimeout = 10 * time.Second

// RefreshFunc exchanges a refresh token for a new token pair.
// Implemented as a function type to avoid import cycles between auth and api.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// State is the refresh coordinator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRefreshing
	// StateFailed is terminal for the current session; only a new login
	// (StartSession) leaves it.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type refreshResult struct {
	token string
	err   error
}

// Coordinator guarantees that at most one refresh call is outstanding and
// that every caller waiting on it observes the same outcome.
type Coordinator struct {
	store     *TokenStore
	refresh   RefreshFunc
	timeout   time.Duration
	onExpired func(error)
	log       zerolog.Logger

	mu      sync.Mutex
	state   State
	waiters []chan refreshResult
	// epoch identifies the current session. A refresh started under an
	// older epoch must not touch the store.
	epoch  uint64
	cancel context.CancelFunc

	inflight sync.WaitGroup
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRefreshTimeout overrides DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithOnExpired registers the hook fired when the session becomes
// unrecoverable. It runs after the token store has been cleared.
func WithOnExpired(fn func(error)) CoordinatorOption {
	return func(c *Coordinator) {
		c.onExpired = fn
	}
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = logger.With().Str("component", "refresh").Logger()
	}
}

// NewCoordinator creates an idle Coordinator.
func NewCoordinator(store *TokenStore, refresh RefreshFunc, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:   store,
		refresh: refresh,
		timeout: DefaultRefreshTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Refresh returns a fresh access token, starting a refresh if none is in
// flight and joining the in-flight one otherwise. A caller whose ctx ends
// stops waiting; the refresh itself carries on for the others.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	ch := make(chan refreshResult, 1)

	c.mu.Lock()
	switch c.state {
	case StateFailed:
		c.mu.Unlock()
		return "", fmt.Errorf("%w: a new login is required", ErrRefreshFailed)
	case StateRefreshing:
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		c.log.Debug().Msg("joining in-flight refresh")
	default:
		c.waiters = append(c.waiters, ch)
		c.start()
		c.mu.Unlock()
	}

	select {
	case res := <-ch:
		return res.token, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// TriggerAsync starts a refresh in the background if the coordinator is
// idle. It never blocks and reports whether a refresh was started.
func (c *Coordinator) TriggerAsync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return false
	}
	c.start()
	return true
}

// Expire clears the session after an unrecoverable 401 and fires the
// expiry hook unless the session had already failed. A refresh still in
// flight is abandoned and its waiters get ErrAuthExpired.
func (c *Coordinator) Expire(cause error) {
	c.mu.Lock()
	alreadyFailed := c.state == StateFailed
	c.abandon(fmt.Errorf("%w: session expired", ErrAuthExpired))
	c.state = StateFailed
	if err := c.store.Clear(); err != nil {
		c.log.Error().Err(err).Msg("failed to clear session")
	}
	c.mu.Unlock()

	if !alreadyFailed {
		c.log.Info().Err(cause).Msg("session expired")
		c.notifyExpired(cause)
	}
}

// StartSession installs a new session. set runs while no refresh can write
// to the store; a refresh started for the previous session is abandoned.
// The coordinator is idle afterwards, also when it had failed.
func (c *Coordinator) StartSession(set func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.abandon(fmt.Errorf("%w: session replaced", ErrAuthExpired))
	c.state = StateIdle
	if set == nil {
		return nil
	}
	return set()
}

// EndSession is StartSession for logout: drop runs after any in-flight
// refresh has been abandoned, so the refresh cannot restore the session.
func (c *Coordinator) EndSession(drop func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.abandon(fmt.Errorf("%w: logged out", ErrAuthExpired))
	c.state = StateIdle
	if drop == nil {
		return nil
	}
	return drop()
}

// Wait blocks until no refresh started by this coordinator is running.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

// abandon moves to a new epoch, cancels the in-flight refresh and releases
// its waiters with err. Caller must hold c.mu.
func (c *Coordinator) abandon(err error) {
	c.epoch++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	for _, ch := range c.waiters {
		ch <- refreshResult{err: err}
	}
	c.waiters = nil
}

// start moves to StateRefreshing and launches the refresh call.
// Caller must hold c.mu.
func (c *Coordinator) start() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	c.state = StateRefreshing
	c.cancel = cancel
	c.inflight.Add(1)
	go c.run(ctx, cancel, c.epoch)
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, epoch uint64) {
	defer c.inflight.Done()
	defer cancel()

	sess := c.store.Get()
	if sess.RefreshToken == "" {
		c.fail(epoch, fmt.Errorf("%w: no refresh token available", ErrAuthExpired))
		return
	}

	c.log.Debug().Msg("refreshing access token")
	tok, err := c.refresh(ctx, sess.RefreshToken)
	if err == nil && (tok == nil || tok.AccessToken == "") {
		err = errors.New("refresh response carried no access token")
	}
	if err != nil {
		c.fail(epoch, fmt.Errorf("%w: %w", ErrRefreshFailed, err))
		return
	}

	// Fixed mode: the server kept the old refresh token.
	next := *tok
	if next.RefreshToken == "" {
		next.RefreshToken = sess.RefreshToken
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.log.Debug().Msg("session changed during refresh, discarding new token")
		return
	}
	if err := c.store.Set(&next, sess.User); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist refreshed token")
	}
	waiters := c.release(StateIdle)
	c.mu.Unlock()

	c.log.Info().Msg("access token refreshed")
	deliver(waiters, refreshResult{token: next.AccessToken})
}

// fail ends the session of epoch. The hook fires before waiters are
// released so they observe the cleared state.
func (c *Coordinator) fail(epoch uint64, err error) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.log.Debug().Err(err).Msg("refresh for an ended session failed")
		return
	}
	c.log.Error().Err(err).Msg("token refresh failed")
	if clearErr := c.store.Clear(); clearErr != nil {
		c.log.Error().Err(clearErr).Msg("failed to clear session")
	}
	waiters := c.release(StateFailed)
	c.mu.Unlock()

	c.notifyExpired(err)
	deliver(waiters, refreshResult{err: err})
}

// release detaches the waiters and moves to next. Caller must hold c.mu.
func (c *Coordinator) release(next State) []chan refreshResult {
	waiters := c.waiters
	c.waiters = nil
	c.state = next
	c.cancel = nil
	return waiters
}

func deliver(waiters []chan refreshResult, res refreshResult) {
	for _, ch := range waiters {
		ch <- res
	}
}

func (c *Coordinator) notifyExpired(err error) {
	if c.onExpired != nil {
		c.onExpired(err)
	}
}
