// Package app wires the session, request pipeline, caches and domain
// services into one instance with an explicit lifecycle.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tradeflow/tflow/internal/api"
	"github.com/tradeflow/tflow/internal/auth"
	"github.com/tradeflow/tflow/internal/cache"
	"github.com/tradeflow/tflow/internal/config"
	"github.com/tradeflow/tflow/internal/kvstore"
	"github.com/tradeflow/tflow/internal/queue"
	"github.com/tradeflow/tflow/internal/services"
)

// meCacheName is the registry name of the /auth/me gate.
const meCacheName = "me"

// App owns every stateful component of the client.
type App struct {
	Config   *config.Config
	Store    *auth.TokenStore
	Client   *api.Client
	Services *services.Services
	Caches   *cache.Registry
	Queue    *queue.Queue

	log       zerolog.Logger
	onExpired func(error)
}

type options struct {
	kv        kvstore.Store
	doer      api.Doer
	queuePath string
	onExpired func(error)
	apiOpts   []api.Option
	svcOpts   []services.Option
}

// Option configures an App.
type Option func(*options)

// WithKV replaces the session file store.
func WithKV(kv kvstore.Store) Option {
	return func(o *options) { o.kv = kv }
}

// WithDoer replaces the HTTP transport for every call.
func WithDoer(d api.Doer) Option {
	return func(o *options) { o.doer = d }
}

// WithQueuePath sets the offline queue file.
func WithQueuePath(path string) Option {
	return func(o *options) { o.queuePath = path }
}

// WithOnExpired registers a hook fired after the session became
// unrecoverable and local state was cleared.
func WithOnExpired(fn func(error)) Option {
	return func(o *options) { o.onExpired = fn }
}

// WithAPIOptions passes extra options to the API client.
func WithAPIOptions(opts ...api.Option) Option {
	return func(o *options) { o.apiOpts = append(o.apiOpts, opts...) }
}

// WithServiceOptions passes extra options to the domain services.
func WithServiceOptions(opts ...services.Option) Option {
	return func(o *options) { o.svcOpts = append(o.svcOpts, opts...) }
}

// New builds an App from cfg. Nothing is shared with other App instances.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.kv == nil {
		o.kv = kvstore.NewFile(config.SessionPath(), kvstore.WithLockTimeout(cfg.RefreshTimeout()))
	}
	if o.queuePath == "" {
		o.queuePath = config.QueuePath()
	}

	a := &App{
		Config:    cfg,
		Caches:    cache.NewRegistry(),
		Queue:     queue.New(o.queuePath),
		log:       logger,
		onExpired: o.onExpired,
	}
	a.Store = auth.NewTokenStore(o.kv, logger)

	apiOpts := []api.Option{
		api.WithTimeout(cfg.Timeout()),
		api.WithLogger(logger),
		api.WithCoordinatorOptions(
			auth.WithRefreshTimeout(cfg.RefreshTimeout()),
			auth.WithOnExpired(a.handleExpired),
		),
	}
	if o.doer != nil {
		apiOpts = append(apiOpts, api.WithHTTPDoer(o.doer))
	} else {
		base := api.NewHTTPClient()
		loginDoer, err := api.NewRetryDoer(base, logger)
		if err != nil {
			return nil, err
		}
		apiOpts = append(apiOpts, api.WithHTTPDoer(api.HTTPDoer{Client: base}), api.WithLoginHTTPDoer(loginDoer))
	}
	a.Client = api.NewClient(cfg.Endpoint, a.Store, append(apiOpts, o.apiOpts...)...)

	a.Services = services.New(a.Client, append([]services.Option{services.WithLogger(logger)}, o.svcOpts...)...)
	for _, r := range a.Services.All() {
		a.Caches.Register(r.Name(), r.Cache())
	}
	a.Caches.Register(meCacheName, a.Client.MeGate())

	return a, nil
}

// handleExpired runs once the coordinator has cleared the session.
func (a *App) handleExpired(err error) {
	a.Caches.InvalidateAll()
	a.log.Warn().Err(err).Msg("session expired, local state cleared")
	if a.onExpired != nil {
		a.onExpired(err)
	}
}

// Session returns the stored session.
func (a *App) Session() auth.Session {
	return a.Store.Get()
}

// IsAuthenticated reports whether a session is stored.
func (a *App) IsAuthenticated() bool {
	return a.Store.Get().IsAuthenticated
}

// Login authenticates and starts from empty caches.
func (a *App) Login(ctx context.Context, email, password string) (auth.Session, error) {
	sess, err := a.Client.Login(ctx, email, password)
	if err != nil {
		return auth.Session{}, err
	}
	a.Caches.InvalidateAll()
	return sess, nil
}

// Logout ends the session. Local state is always cleared.
func (a *App) Logout(ctx context.Context) error {
	err := a.Client.Logout(ctx)
	a.Caches.InvalidateAll()
	return err
}

// Me returns the current user profile.
func (a *App) Me(ctx context.Context) (auth.Record, error) {
	if !a.IsAuthenticated() {
		return nil, api.ErrNotAuthenticated
	}
	return a.Client.Me(ctx)
}

// Refresh forces a coordinated token refresh.
func (a *App) Refresh(ctx context.Context) error {
	if a.Store.Get().RefreshToken == "" {
		return api.ErrNotAuthenticated
	}
	_, err := a.Client.Coordinator().Refresh(ctx)
	return err
}

// Enqueue stores a mutation for later replay.
func (a *App) Enqueue(resource, op, id string, body any) (queue.Item, error) {
	if _, err := a.Services.Resource(resource); err != nil {
		return queue.Item{}, err
	}
	return a.Queue.Add(resource, op, id, body)
}

// FlushQueue replays queued mutations through the domain services, so each
// replay invalidates its namespace like a direct call would.
func (a *App) FlushQueue(ctx context.Context) (queue.Result, error) {
	return queue.Flush(ctx, a.Queue, a.replay, a.log)
}

func (a *App) replay(ctx context.Context, item queue.Item) error {
	r, err := a.Services.Resource(item.Resource)
	if err != nil {
		return err
	}
	if err := r.Apply(ctx, item.Op, item.TargetID, item.Body); err != nil {
		return fmt.Errorf("replay %s %s: %w", item.Op, item.Resource, err)
	}
	return nil
}

// Close waits for background refreshes and drops every cached value.
func (a *App) Close() {
	a.Client.Coordinator().Wait()
	a.Caches.InvalidateAll()
}
