package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tradeflow/tflow/internal/api"
	"github.com/tradeflow/tflow/internal/auth"
	"github.com/tradeflow/tflow/internal/config"
	"github.com/tradeflow/tflow/internal/kvstore"
	"github.com/tradeflow/tflow/internal/services"
)

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

type backend struct {
	srv      *httptest.Server
	access   string
	lists    atomic.Int32
	creates  atomic.Int32
	revoked  atomic.Bool
	offline  atomic.Bool
	logouts  atomic.Int32
	meCalls  atomic.Int32
	refreshs atomic.Int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{access: mintToken(t, time.Now().Add(time.Hour))}

	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	authorized := func(r *http.Request) bool {
		return !b.revoked.Load() && r.Header.Get("Authorization") == "Bearer "+b.access
	}

	mux := http.NewServeMux()
	mux.HandleFunc(api.PathLogin, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"user":   map[string]any{"id": "u1", "email": "jane@example.com"},
				"tokens": map[string]string{"accessToken": b.access, "refreshToken": "refresh-1"},
			},
		})
	})
	mux.HandleFunc(api.PathRefreshToken, func(w http.ResponseWriter, r *http.Request) {
		b.refreshs.Add(1)
		reply(w, http.StatusUnauthorized, map[string]string{"message": "refresh token revoked"})
	})
	mux.HandleFunc(api.PathLogout, func(w http.ResponseWriter, r *http.Request) {
		b.logouts.Add(1)
		reply(w, http.StatusOK, map[string]string{"message": "ok"})
	})
	mux.HandleFunc(api.PathMe, func(w http.ResponseWriter, r *http.Request) {
		b.meCalls.Add(1)
		if !authorized(r) {
			reply(w, http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
			return
		}
		reply(w, http.StatusOK, map[string]any{"data": map[string]any{"id": "u1"}})
	})
	mux.HandleFunc("/budgets", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			reply(w, http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
			return
		}
		switch r.Method {
		case http.MethodGet:
			b.lists.Add(1)
			reply(w, http.StatusOK, map[string]any{"data": []any{map[string]any{"id": "b1"}}})
		case http.MethodPost:
			if b.offline.Load() {
				if hj, ok := w.(http.Hijacker); ok {
					if conn, _, err := hj.Hijack(); err == nil {
						_ = conn.Close()
					}
				}
				return
			}
			b.creates.Add(1)
			reply(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": "b2"}})
		}
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func newTestApp(t *testing.T, b *backend, opts ...Option) (*App, *kvstore.Memory) {
	t.Helper()
	kv := kvstore.NewMemory()
	cfg := &config.Config{
		Endpoint:              b.srv.URL,
		TimeoutSeconds:        2,
		RefreshTimeoutSeconds: 2,
		LogLevel:              "warn",
	}
	opts = append([]Option{
		WithKV(kv),
		WithDoer(api.HTTPDoer{Client: b.srv.Client()}),
		WithQueuePath(filepath.Join(t.TempDir(), "queue.json")),
	}, opts...)
	a, err := New(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, kv
}

func TestNew_RejectsInvalidEndpoint(t *testing.T) {
	_, err := New(&config.Config{Endpoint: "ftp://example.com"}, zerolog.Nop(), WithKV(kvstore.NewMemory()))
	assert.Error(t, err)
}

func TestNew_RegistersEveryCache(t *testing.T) {
	a, _ := newTestApp(t, newBackend(t))
	assert.Equal(t, []string{"budgets", "me", "trade-spends", "users", "wallets"}, a.Caches.Names())
}

func TestApp_LoginBrowseLogout(t *testing.T) {
	b := newBackend(t)
	a, kv := newTestApp(t, b)
	ctx := context.Background()

	assert.False(t, a.IsAuthenticated())
	_, err := a.Me(ctx)
	assert.ErrorIs(t, err, api.ErrNotAuthenticated)

	sess, err := a.Login(ctx, "jane@example.com", "secret")
	require.NoError(t, err)
	assert.True(t, sess.IsAuthenticated)
	assert.True(t, a.IsAuthenticated())

	_, err = a.Services.Budgets.GetBudgets(ctx, nil)
	require.NoError(t, err)
	_, err = a.Services.Budgets.GetBudgets(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), b.lists.Load())

	me, err := a.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", me["id"])

	require.NoError(t, a.Logout(ctx))
	assert.Equal(t, int32(1), b.logouts.Load())
	assert.Equal(t, 0, kv.Len())
	assert.Equal(t, 0, a.Services.Budgets.Cache().Len())
	assert.False(t, a.IsAuthenticated())
}

func TestApp_ExpiryClearsCachesAndFiresHook(t *testing.T) {
	b := newBackend(t)
	var expired atomic.Int32
	a, kv := newTestApp(t, b, WithOnExpired(func(error) { expired.Add(1) }))
	ctx := context.Background()

	_, err := a.Login(ctx, "jane@example.com", "secret")
	require.NoError(t, err)
	_, err = a.Services.Budgets.GetBudgets(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, a.Services.Budgets.Cache().Len())

	b.revoked.Store(true)
	_, err = a.Me(ctx)
	require.Error(t, err)
	assert.True(t, api.IsAuthError(err))

	assert.Equal(t, int32(1), b.refreshs.Load())
	assert.Equal(t, int32(1), expired.Load())
	assert.Equal(t, 0, kv.Len())
	assert.Equal(t, 0, a.Services.Budgets.Cache().Len())
	assert.Equal(t, auth.StateFailed, a.Client.Coordinator().State())

	// A new login leaves the failed state.
	b.revoked.Store(false)
	_, err = a.Login(ctx, "jane@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, auth.StateIdle, a.Client.Coordinator().State())
	_, err = a.Services.Budgets.GetBudgets(ctx, nil)
	require.NoError(t, err)
}

func TestApp_RefreshRequiresSession(t *testing.T) {
	a, _ := newTestApp(t, newBackend(t))
	assert.ErrorIs(t, a.Refresh(context.Background()), api.ErrNotAuthenticated)
}

func TestApp_QueueReplayInvalidatesCache(t *testing.T) {
	b := newBackend(t)
	a, _ := newTestApp(t, b)
	ctx := context.Background()

	_, err := a.Login(ctx, "jane@example.com", "secret")
	require.NoError(t, err)

	b.offline.Store(true)
	_, err = a.Services.Budgets.CreateBudget(ctx, services.Item{"amount": 10})
	require.Error(t, err)
	require.True(t, api.IsNetworkError(err))

	_, err = a.Enqueue("budgets", services.OpCreate, "", services.Item{"amount": 10})
	require.NoError(t, err)
	_, err = a.Enqueue("claims", services.OpCreate, "", nil)
	assert.Error(t, err)
	assert.Equal(t, 1, a.Queue.Len())

	b.offline.Store(false)
	_, err = a.Services.Budgets.GetBudgets(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, a.Services.Budgets.Cache().Len())

	res, err := a.FlushQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Flushed)
	assert.Equal(t, 0, a.Queue.Len())
	assert.Equal(t, int32(1), b.creates.Load())
	assert.Equal(t, 0, a.Services.Budgets.Cache().Len())
}

func TestApp_DefaultTransportMakesOneAuthAttempt(t *testing.T) {
	var logins, refreshes, logouts atomic.Int32
	down := func(counter *atomic.Int32) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			counter.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"message":"maintenance"}`))
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc(api.PathLogin, down(&logins))
	mux.HandleFunc(api.PathRefreshToken, down(&refreshes))
	mux.HandleFunc(api.PathLogout, down(&logouts))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	kv := kvstore.NewMemory()
	cfg := &config.Config{Endpoint: srv.URL, TimeoutSeconds: 5, RefreshTimeoutSeconds: 5, LogLevel: "warn"}
	a, err := New(cfg, zerolog.Nop(), WithKV(kv), WithQueuePath(filepath.Join(t.TempDir(), "queue.json")))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	ctx := context.Background()

	_, err = a.Login(ctx, "jane@example.com", "secret")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, api.StatusCode(err))
	assert.Equal(t, int32(1), logins.Load(), "a status response is never retried")

	store := auth.NewTokenStore(kv, zerolog.Nop())
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: mintToken(t, time.Now().Add(time.Hour)), RefreshToken: "refresh-1"}, nil))

	start := time.Now()
	err = a.Refresh(ctx)
	require.ErrorIs(t, err, auth.ErrRefreshFailed)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NoError(t, store.Set(&oauth2.Token{AccessToken: mintToken(t, time.Now().Add(time.Hour)), RefreshToken: "refresh-1"}, nil))
	require.NoError(t, a.Client.Coordinator().StartSession(nil))
	require.Error(t, a.Logout(ctx))
	assert.Equal(t, int32(1), logouts.Load())
	assert.False(t, a.IsAuthenticated())
}
