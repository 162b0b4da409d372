// Package identity resolves the signed-in Tampa.dev user behind a browser
// request. Sessions are issued by the events API; this package only reads them.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"tampaweb/apiclient"
)

// ErrUnauthenticated means the request carries no valid session.
var ErrUnauthenticated = errors.New("identity: not authenticated")

// User is the authenticated account.
type User struct {
	ID       string
	Role     string
	Name     string
	Email    string
	Username string
}

// Resolver resolves the user for a request.
type Resolver interface {
	Resolve(r *http.Request) (*User, error)
}

// UserFetcher is the slice of the API client used by APIResolver.
type UserFetcher interface {
	CurrentUser(ctx context.Context, cookies []*http.Cookie) (*apiclient.User, error)
}

// APIResolver asks the events API who owns the forwarded session cookies.
type APIResolver struct {
	api     UserFetcher
	cookies []string
}

// NewAPIResolver forwards only the named cookies. An empty list forwards all.
func NewAPIResolver(api UserFetcher, cookieNames []string) *APIResolver {
	return &APIResolver{api: api, cookies: cookieNames}
}

func (a *APIResolver) Resolve(r *http.Request) (*User, error) {
	var forward []*http.Cookie
	for _, ck := range r.Cookies() {
		if len(a.cookies) == 0 || slices.Contains(a.cookies, ck.Name) {
			forward = append(forward, ck)
		}
	}
	if len(forward) == 0 {
		return nil, ErrUnauthenticated
	}

	u, err := a.api.CurrentUser(r.Context(), forward)
	if errors.Is(err, apiclient.ErrUnauthorized) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	return &User{ID: u.ID, Role: u.Role, Name: u.Name, Email: u.Email, Username: u.Username}, nil
}

// TokenResolver verifies a signed session token held in a cookie.
type TokenResolver struct {
	validator *Validator
	cookie    string
}

func NewTokenResolver(v *Validator, cookieName string) *TokenResolver {
	return &TokenResolver{validator: v, cookie: cookieName}
}

func (t *TokenResolver) Resolve(r *http.Request) (*User, error) {
	ck, err := r.Cookie(t.cookie)
	if err != nil || ck.Value == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := t.validator.Validate(r.Context(), ck.Value)
	if errors.Is(err, ErrKeyFetch) {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return &User{
		ID:       claims.Subject,
		Role:     claims.Role,
		Name:     claims.Name,
		Email:    claims.Email,
		Username: claims.Username,
	}, nil
}

type userKey struct{}

// WithUser attaches u to ctx.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// FromContext returns the user attached by WithUser.
func FromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey{}).(*User)
	return u, ok && u != nil
}
