package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflow/tflow/internal/api"
	"github.com/tradeflow/tflow/internal/cache"
)

// Operation names used in cache keys and queued mutations.
const (
	OpList   = "list"
	OpGet    = "get"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Requester is the part of api.Client the services need.
type Requester interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Post(ctx context.Context, path string, body any) ([]byte, error)
	Put(ctx context.Context, path string, body any) ([]byte, error)
	Delete(ctx context.Context, path string) ([]byte, error)
}

// Item is one backend entity.
type Item = map[string]any

type options struct {
	ttl       time.Duration
	logger    zerolog.Logger
	cacheOpts []cache.Option
}

// Option configures a Resource.
type Option func(*options)

// WithTTL sets how long reads are cached.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
		o.cacheOpts = append(o.cacheOpts, cache.WithLogger(logger))
	}
}

// WithClock overrides time.Now for the read cache.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.cacheOpts = append(o.cacheOpts, cache.WithClock(now)) }
}

// Resource is the CRUD service for one resource type. Reads are cached per
// (operation, params); every mutation clears the whole namespace once the
// request has finished, whatever its outcome.
type Resource struct {
	name  string
	api   Requester
	cache *cache.Namespace[json.RawMessage]
	ttl   time.Duration
	log   zerolog.Logger
}

// NewResource creates the service for resource name.
func NewResource(name string, requester Requester, opts ...Option) *Resource {
	o := options{ttl: cache.DefaultTTL, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Resource{
		name:  name,
		api:   requester,
		cache: cache.NewNamespace[json.RawMessage](name, o.cacheOpts...),
		ttl:   o.ttl,
		log:   o.logger.With().Str("resource", name).Logger(),
	}
}

// Name returns the resource name.
func (r *Resource) Name() string {
	return r.name
}

// Cache returns the read cache so it can be registered for invalidation.
func (r *Resource) Cache() *cache.Namespace[json.RawMessage] {
	return r.cache
}

// List returns the collection filtered by params.
func (r *Resource) List(ctx context.Context, params map[string]string) (json.RawMessage, error) {
	if params == nil {
		params = map[string]string{}
	}
	path := api.WithQuery(api.ResourcePath(r.name), params)
	return r.cache.GetOrFetch(ctx, cache.Key(OpList, params), r.fetch(path), r.ttl)
}

// Get returns a single item.
func (r *Resource) Get(ctx context.Context, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	return r.cache.GetOrFetch(ctx, cache.Key(OpGet, id), r.fetch(api.ResourceItemPath(r.name, id)), r.ttl)
}

func (r *Resource) fetch(path string) func(context.Context) (json.RawMessage, error) {
	return func(ctx context.Context) (json.RawMessage, error) {
		raw, err := r.api.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	}
}

// Create posts a new item.
func (r *Resource) Create(ctx context.Context, body any) (json.RawMessage, error) {
	defer r.invalidate(OpCreate)
	raw, err := r.api.Post(ctx, api.ResourcePath(r.name), body)
	return json.RawMessage(raw), err
}

// Update replaces the item with id.
func (r *Resource) Update(ctx context.Context, id string, body any) (json.RawMessage, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	defer r.invalidate(OpUpdate)
	raw, err := r.api.Put(ctx, api.ResourceItemPath(r.name, id), body)
	return json.RawMessage(raw), err
}

// Delete removes the item with id.
func (r *Resource) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("id is required")
	}
	defer r.invalidate(OpDelete)
	_, err := r.api.Delete(ctx, api.ResourceItemPath(r.name, id))
	return err
}

// Apply runs a mutation by operation name. Used to replay queued mutations.
func (r *Resource) Apply(ctx context.Context, op, id string, body json.RawMessage) error {
	var err error
	switch op {
	case OpCreate:
		_, err = r.Create(ctx, body)
	case OpUpdate:
		_, err = r.Update(ctx, id, body)
	case OpDelete:
		err = r.Delete(ctx, id)
	default:
		return fmt.Errorf("unsupported operation %q", op)
	}
	return err
}

func (r *Resource) invalidate(op string) {
	r.cache.Invalidate()
	r.log.Debug().Str("op", op).Msg("cache invalidated")
}

// Decode unmarshals a response into out, unwrapping a {"data": ...}
// envelope when present.
func Decode(raw []byte, out any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		raw = envelope.Data
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeItems(raw json.RawMessage, err error) ([]Item, error) {
	if err != nil {
		return nil, err
	}
	var items []Item
	if err := Decode(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func decodeItem(raw json.RawMessage, err error) (Item, error) {
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return Item{}, nil
	}
	var item Item
	if err := Decode(raw, &item); err != nil {
		return nil, err
	}
	return item, nil
}
