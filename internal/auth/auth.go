// Package auth resolves the authenticated caller behind a request.
//
// The chat routes require a logged-in user; the concrete identity
// provider (session cookies, OAuth, API tokens) belongs to the host
// application, so it is abstracted behind Provider here.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// User is the authenticated caller identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Provider resolves a user from request headers. A nil user with a nil
// error means the request is unauthenticated.
type Provider interface {
	UserFromRequest(r *http.Request) (*User, error)
}

type contextKey int

const userKey contextKey = iota

// UserFromContext extracts the authenticated user from the request
// context, or nil if the request is unauthenticated.
func UserFromContext(ctx context.Context) *User {
	if u, ok := ctx.Value(userKey).(*User); ok {
		return u
	}
	return nil
}

// WithUser returns a context carrying the given user. Exposed for tests.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// Middleware resolves the caller identity once per request and stores it
// in the context. Unauthenticated requests pass through with no user;
// handlers decide whether to reject them.
func Middleware(provider Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := provider.UserFromRequest(r)
			if err != nil {
				http.Error(w, `{"error":"failed to resolve identity"}`, http.StatusInternalServerError)
				return
			}
			if user != nil {
				r = r.WithContext(WithUser(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StaticTokenProvider authenticates bearer tokens against a fixed
// token->user table. It is the batteries-included provider for
// deployments without a real identity system; hosts with one should
// implement Provider themselves.
type StaticTokenProvider struct {
	users map[string]User
}

// NewStaticTokenProvider builds a provider from token=userID pairs.
func NewStaticTokenProvider(tokens map[string]string) *StaticTokenProvider {
	users := make(map[string]User, len(tokens))
	for token, userID := range tokens {
		users[token] = User{ID: userID, Name: userID}
	}
	return &StaticTokenProvider{users: users}
}

// UserFromRequest resolves a user from the Authorization header.
func (p *StaticTokenProvider) UserFromRequest(r *http.Request) (*User, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, nil
	}
	user, ok := p.users[strings.TrimSpace(token)]
	if !ok {
		return nil, nil
	}
	return &user, nil
}
