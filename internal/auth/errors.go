package auth

import "errors"

var (
	// ErrAuthExpired means the session cannot be renewed: a 401 arrived and
	// no refresh token is available, or a retried request was rejected again.
	ErrAuthExpired = errors.New("session expired. Run `tflow auth login`")

	// ErrRefreshFailed means the refresh endpoint rejected the refresh token
	// or returned an unusable payload. Terminal until the next login.
	ErrRefreshFailed = errors.New("token refresh failed")
)
