package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tradeflow/tflow/internal/kvstore"
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

func newTestStore() (*TokenStore, *kvstore.Memory) {
	kv := kvstore.NewMemory()
	return NewTokenStore(kv, zerolog.Nop()), kv
}

func TestTokenStore_SetGetClear(t *testing.T) {
	store, kv := newTestStore()

	assert.Equal(t, Session{}, store.Get())

	user := Record{"id": "u1", "email": "jane@example.com"}
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: "access-1", RefreshToken: "refresh-1"}, user))

	sess := store.Get()
	assert.Equal(t, "access-1", sess.AccessToken)
	assert.Equal(t, "refresh-1", sess.RefreshToken)
	assert.True(t, sess.IsAuthenticated)
	assert.Equal(t, "jane@example.com", sess.User["email"])
	assert.Equal(t, 5, kv.Len())

	values, err := kv.GetMany(KeyToken, KeyAccessToken, KeyIsAuthenticated)
	require.NoError(t, err)
	assert.Equal(t, "access-1", values[KeyToken])
	assert.Equal(t, "access-1", values[KeyAccessToken])
	assert.Equal(t, "true", values[KeyIsAuthenticated])

	require.NoError(t, store.Clear())
	assert.Equal(t, 0, kv.Len())
	assert.Equal(t, Session{}, store.Get())
}

func TestTokenStore_SetRejectsEmptyAccessToken(t *testing.T) {
	store, kv := newTestStore()
	require.Error(t, store.Set(&oauth2.Token{RefreshToken: "r"}, nil))
	require.Error(t, store.Set(nil, nil))
	assert.Equal(t, 0, kv.Len())
}

func TestTokenStore_AuthenticatedImpliesAccessToken(t *testing.T) {
	store, kv := newTestStore()
	require.NoError(t, kv.SetMany(map[string]string{KeyIsAuthenticated: "true"}))

	assert.False(t, store.Get().IsAuthenticated)
}

func TestTokenStore_LegacyTokenKey(t *testing.T) {
	store, kv := newTestStore()
	require.NoError(t, kv.SetMany(map[string]string{KeyToken: "legacy", KeyIsAuthenticated: "true"}))

	sess := store.Get()
	assert.Equal(t, "legacy", sess.AccessToken)
	assert.True(t, sess.IsAuthenticated)
}

func TestPredictor_IsExpiringSoon(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewPredictor(zerolog.Nop())
	p.Now = func() time.Time { return now }

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"expires in 200s", mintToken(t, now.Add(200*time.Second)), true},
		{"expires in 600s", mintToken(t, now.Add(600*time.Second)), false},
		{"already expired", mintToken(t, now.Add(-time.Minute)), true},
		{"not a jwt", "opaque-token", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.IsExpiringSoon(tt.token))
		})
	}
}

func TestPredictor_NoExpClaim(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	require.NoError(t, err)

	_, err = TokenExpiry(tok)
	require.Error(t, err)
	assert.False(t, IsExpiringSoon(tok, DefaultExpiryThreshold))
}

func TestCoordinator_SingleFlight(t *testing.T) {
	store, _ := newTestStore()
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: "old", RefreshToken: "refresh-1"}, Record{"id": "u1"}))

	var calls atomic.Int32
	release := make(chan struct{})
	refresh := func(ctx context.Context, rt string) (*oauth2.Token, error) {
		calls.Add(1)
		assert.Equal(t, "refresh-1", rt)
		<-release
		return &oauth2.Token{AccessToken: "new", RefreshToken: "refresh-2"}, nil
	}
	c := NewCoordinator(store, refresh)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			tok, err := c.Refresh(context.Background())
			assert.NoError(t, err)
			results[i] = tok
		}(i)
	}

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.waiters) == callers
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRefreshing, c.State())
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, tok := range results {
		assert.Equal(t, "new", tok)
	}
	assert.Equal(t, StateIdle, c.State())

	sess := store.Get()
	assert.Equal(t, "new", sess.AccessToken)
	assert.Equal(t, "refresh-2", sess.RefreshToken)
	assert.Equal(t, "u1", sess.User["id"])
}

func TestCoordinator_FixedRefreshTokenIsKept(t *testing.T) {
	store, _ := newTestStore()
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: "old", RefreshToken: "keep-me"}, nil))

	c := NewCoordinator(store, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new"}, nil
	})

	tok, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", tok)
	assert.Equal(t, "keep-me", store.Get().RefreshToken)
}

func TestCoordinator_FailureFansOutAndIsTerminal(t *testing.T) {
	store, kv := newTestStore()
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: "old", RefreshToken: "refresh-1"}, nil))

	var calls, expired atomic.Int32
	release := make(chan struct{})
	c := NewCoordinator(store, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		calls.Add(1)
		<-release
		return nil, errors.New("invalid_grant")
	}, WithOnExpired(func(err error) {
		expired.Add(1)
		assert.ErrorIs(t, err, ErrRefreshFailed)
	}))

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Refresh(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.waiters) == callers
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, ErrRefreshFailed)
		assert.Contains(t, err.Error(), "invalid_grant")
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), expired.Load())
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 0, kv.Len(), "session must be cleared")

	// Failed is terminal: no further network calls until a new session.
	_, err := c.Refresh(context.Background())
	require.ErrorIs(t, err, ErrRefreshFailed)
	assert.False(t, c.TriggerAsync())
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, c.StartSession(nil))
	assert.Equal(t, StateIdle, c.State())
}

func TestCoordinator_NoRefreshToken(t *testing.T) {
	store, _ := newTestStore()
	var calls atomic.Int32
	c := NewCoordinator(store, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		calls.Add(1)
		return nil, nil
	})

	_, err := c.Refresh(context.Background())
	require.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, StateFailed, c.State())
}

func TestCoordinator_EmptyAccessTokenIsFailure(t *testing.T) {
	store, _ := newTestStore()
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: "old", RefreshToken: "r"}, nil))
	c := NewCoordinator(store, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		return &oauth2.Token{}, nil
	})

	_, err := c.Refresh(context.Background())
	require.ErrorIs(t, err, ErrRefreshFailed)
}

func TestCoordinator_RefreshTimeout(t *testing.T) {
	store, _ := newTestStore()
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: "old", RefreshToken: "r"}, nil))
	c := NewCoordinator(store, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithRefreshTimeout(50*time.Millisecond))

	_, err := c.Refresh(context.Background())
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_CallerContextCancelDoesNotAbortRefresh(t *testing.T) {
	store, _ := newTestStore()
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: "old", RefreshToken: "r"}, nil))

	release := make(chan struct{})
	c := NewCoordinator(store, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		<-release
		return &oauth2.Token{AccessToken: "new"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Refresh(ctx)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	c.Wait()
	assert.Equal(t, "new", store.Get().AccessToken)
	assert.Equal(t, StateIdle, c.State())
}

func TestCoordinator_TriggerAsync(t *testing.T) {
	store, _ := newTestStore()
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: "old", RefreshToken: "r"}, nil))

	var calls atomic.Int32
	release := make(chan struct{})
	c := NewCoordinator(store, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		calls.Add(1)
		<-release
		return &oauth2.Token{AccessToken: fmt.Sprintf("new-%d", calls.Load())}, nil
	})

	assert.True(t, c.TriggerAsync())
	assert.False(t, c.TriggerAsync(), "second trigger must not start another refresh")

	close(release)
	c.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "new-1", store.Get().AccessToken)
}

func TestCoordinator_ExpireFiresHookOnce(t *testing.T) {
	store, kv := newTestStore()
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: "a", RefreshToken: "r"}, nil))

	var expired atomic.Int32
	c := NewCoordinator(store, nil, WithOnExpired(func(error) { expired.Add(1) }))

	c.Expire(ErrAuthExpired)
	c.Expire(ErrAuthExpired)

	assert.Equal(t, int32(1), expired.Load())
	assert.Equal(t, 0, kv.Len())
	assert.Equal(t, StateFailed, c.State())
}

func TestCoordinator_SessionChangeDuringRefresh(t *testing.T) {
	tests := []struct {
		name      string
		change    func(c *Coordinator, store *TokenStore) error
		wantToken string
		wantState State
	}{
		{
			name: "logout",
			change: func(c *Coordinator, store *TokenStore) error {
				return c.EndSession(store.Clear)
			},
			wantState: StateIdle,
		},
		{
			name: "login as another user",
			change: func(c *Coordinator, store *TokenStore) error {
				return c.StartSession(func() error {
					return store.Set(&oauth2.Token{AccessToken: "other", RefreshToken: "other-refresh"}, Record{"id": "u2"})
				})
			},
			wantToken: "other",
			wantState: StateIdle,
		},
		{
			name: "expire",
			change: func(c *Coordinator, store *TokenStore) error {
				c.Expire(ErrAuthExpired)
				return nil
			},
			wantState: StateFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore()
			require.NoError(t, store.Set(&oauth2.Token{AccessToken: "old", RefreshToken: "r"}, Record{"id": "u1"}))

			started := make(chan struct{})
			release := make(chan struct{})
			c := NewCoordinator(store, func(ctx context.Context, rt string) (*oauth2.Token, error) {
				close(started)
				<-release
				return &oauth2.Token{AccessToken: "refreshed"}, nil
			})

			errc := make(chan error, 1)
			go func() {
				_, err := c.Refresh(context.Background())
				errc <- err
			}()
			<-started

			require.NoError(t, tt.change(c, store))
			require.ErrorIs(t, <-errc, ErrAuthExpired, "waiters of the abandoned refresh are released")

			close(release)
			c.Wait()

			assert.Equal(t, tt.wantToken, store.Get().AccessToken)
			assert.Equal(t, tt.wantState, c.State())
		})
	}
}

func TestCoordinator_EndSessionCancelsRefresh(t *testing.T) {
	store, _ := newTestStore()
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: "old", RefreshToken: "r"}, nil))

	var expired atomic.Int32
	started := make(chan struct{})
	c := NewCoordinator(store, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithOnExpired(func(error) { expired.Add(1) }))

	require.True(t, c.TriggerAsync())
	<-started
	require.NoError(t, c.EndSession(store.Clear))
	c.Wait()

	assert.False(t, store.Get().IsAuthenticated)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, int32(0), expired.Load(), "an abandoned refresh must not fire the expiry hook")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "refreshing", StateRefreshing.String())
	assert.Equal(t, "failed", StateFailed.String())
}
