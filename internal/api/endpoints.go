package api

import "net/url"

const (
	// PathLogin is the credential login endpoint.
	PathLogin = "/auth/login"

	// PathRefreshToken exchanges a refresh token for a new access token.
	PathRefreshToken = "/auth/refresh-token"

	// PathLogout revokes the session server-side.
	PathLogout = "/auth/logout"

	// PathMe returns the current user profile.
	PathMe = "/auth/me"
)

// Resource names served under /{resource}.
const (
	ResourceBudgets     = "budgets"
	ResourceTradeSpends = "trade-spends"
	ResourceWallets     = "wallets"
	ResourceUsers       = "users"
)

// ResourcePath returns the collection path for a resource.
func ResourcePath(resource string) string {
	return "/" + resource
}

// ResourceItemPath returns the path for a single item of a resource.
func ResourceItemPath(resource, id string) string {
	return "/" + resource + "/" + url.PathEscape(id)
}

// WithQuery appends params to path as a query string.
func WithQuery(path string, params map[string]string) string {
	if len(params) == 0 {
		return path
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return path + "?" + q.Encode()
}
