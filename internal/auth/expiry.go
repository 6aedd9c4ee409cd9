package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// DefaultExpiryThreshold is how close to expiry an access token may get
// before a proactive refresh is started.
const DefaultExpiryThreshold = 5 * time.Minute

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}

// Predictor decides whether an access token warrants proactive renewal.
type Predictor struct {
	Threshold time.Duration
	Now       func() time.Time

	log zerolog.Logger
}

// NewPredictor returns a Predictor using DefaultExpiryThreshold.
func NewPredictor(logger zerolog.Logger) *Predictor {
	return &Predictor{
		Threshold: DefaultExpiryThreshold,
		Now:       time.Now,
		log:       logger.With().Str("component", "expiry").Logger(),
	}
}

// IsExpiringSoon reports whether the token's remaining lifetime is below the
// threshold. A token that cannot be decoded is reported as not expiring so
// that it surfaces as a normal 401 instead of blocking traffic.
func (p *Predictor) IsExpiringSoon(token string) bool {
	exp, err := TokenExpiry(token)
	if err != nil {
		p.log.Warn().Err(err).Msg("cannot determine access token expiry")
		return false
	}
	return exp.Sub(p.Now()) < p.Threshold
}

// IsExpiringSoon is Predictor.IsExpiringSoon with the wall clock and no logging.
func IsExpiringSoon(token string, threshold time.Duration) bool {
	p := &Predictor{Threshold: threshold, Now: time.Now, log: zerolog.Nop()}
	return p.IsExpiringSoon(token)
}
