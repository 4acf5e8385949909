package auth

import (
	"errors"
	"net/http"
)

// QueryParam is the query parameter accepted in place of the header.
const QueryParam = "api_key"

// ErrUnauthenticated is returned by a RequestCheck for a missing or wrong key.
var ErrUnauthenticated = errors.New("invalid api key")

// RequestCheck returns a function that validates the API key of an HTTP
// request. It follows the same pass-through rules as APIKeyInterceptor.
func RequestCheck(mode, header, key string) func(*http.Request) error {
	return func(r *http.Request) error {
		if !enforced(mode, key) {
			return nil
		}
		got := r.Header.Get(header)
		if got == "" {
			got = r.URL.Query().Get(QueryParam)
		}
		if !matches(got, key) {
			return ErrUnauthenticated
		}
		return nil
	}
}

// Middleware rejects requests that fail check with 401.
func Middleware(check func(*http.Request) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := check(r); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
