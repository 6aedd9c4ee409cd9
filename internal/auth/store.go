package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/tradeflow/tflow/internal/kvstore"
)

// Persisted session keys. The access token is written under both KeyToken
// and KeyAccessToken for compatibility with older clients.
const (
	KeyToken           = "token"
	KeyAccessToken     = "accessToken"
	KeyRefreshToken    = "refreshToken"
	KeyIsAuthenticated = "isAuthenticated"
	KeyUser            = "user"
)

// SessionKeys lists every key owned by the TokenStore.
var SessionKeys = []string{KeyToken, KeyAccessToken, KeyRefreshToken, KeyIsAuthenticated, KeyUser}

// Record is a loosely typed JSON object, used for the user profile.
type Record = map[string]any

// Session is the current authentication state.
type Session struct {
	AccessToken     string
	RefreshToken    string
	IsAuthenticated bool
	User            Record
}

// TokenStore holds the session in a kvstore.Store. It has no policy: it only
// reflects what it is given.
type TokenStore struct {
	kv  kvstore.Store
	log zerolog.Logger
}

// NewTokenStore creates a TokenStore backed by kv.
func NewTokenStore(kv kvstore.Store, logger zerolog.Logger) *TokenStore {
	return &TokenStore{
		kv:  kv,
		log: logger.With().Str("component", "token_store").Logger(),
	}
}

// Get returns the current session. Read failures yield an empty session.
func (s *TokenStore) Get() Session {
	values, err := s.kv.GetMany(SessionKeys...)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read session")
		return Session{}
	}

	access := values[KeyAccessToken]
	if access == "" {
		access = values[KeyToken]
	}

	sess := Session{
		AccessToken:  access,
		RefreshToken: values[KeyRefreshToken],
		// isAuthenticated without an access token is not a session.
		IsAuthenticated: values[KeyIsAuthenticated] == "true" && access != "",
	}

	if raw := values[KeyUser]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.User); err != nil {
			s.log.Warn().Err(err).Msg("stored user profile is not valid JSON")
		}
	}
	return sess
}

// GetToken returns the raw access token, or "" if not authenticated.
func (s *TokenStore) GetToken() string {
	return s.Get().AccessToken
}

// Set replaces the session with tok and user in a single write.
func (s *TokenStore) Set(tok *oauth2.Token, user Record) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("access token is empty")
	}

	userJSON := ""
	if user != nil {
		raw, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to encode user profile: %w", err)
		}
		userJSON = string(raw)
	}

	return s.kv.SetMany(map[string]string{
		KeyToken:           tok.AccessToken,
		KeyAccessToken:     tok.AccessToken,
		KeyRefreshToken:    tok.RefreshToken,
		KeyIsAuthenticated: "true",
		KeyUser:            userJSON,
	})
}

// Clear removes every persisted session key.
func (s *TokenStore) Clear() error {
	return s.kv.Delete(SessionKeys...)
}
