// Package token resolves credentials for remote hosts.
//
// Two storage mechanisms are provided:
//
// 1. Environment Variables (primary):
//   - GIT_TOKEN_<HOST> with the host upper-cased and every other
//     character replaced by an underscore
//   - the value is either the bare token or a JSON-encoded Token
//
// 2. Token file (--token-file): a YAML mapping from host to token, loaded
// into a MemoryStorage and consulted before the environment.
//
// Environment Variable Usage:
//
//	export GIT_TOKEN_GITHUB_COM="ghp_..."
//	export GIT_TOKEN_GIT_EXAMPLE_COM='{"Value":"glpat-...","Username":"oauth2"}'
package token

import (
	"context"
	"errors"
	"time"
)

// Common errors that may be returned by token operations
var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenInvalid  = errors.New("token is invalid")
	ErrTokenExpired  = errors.New("token has expired")
)

// Token represents an authentication token with metadata
type Token struct {
	// Value is the secret sent as the password
	Value string `json:"Value"`

	// Username sent alongside Value. Empty means DefaultUsername.
	Username string `json:"Username,omitempty"`

	// ExpiresAt indicates when the token will expire
	// Zero value means the token does not expire
	ExpiresAt time.Time `json:"ExpiresAt,omitempty"`

	// Scope is informational
	Scope string `json:"Scope,omitempty"`

	CreatedAt time.Time `json:"CreatedAt,omitempty"`
}

// NewToken creates a new token with validation
func NewToken(value string, expiresAt time.Time, scope string) (*Token, error) {
	if value == "" {
		return nil, errors.New("token value cannot be empty")
	}

	return &Token{
		Value:     value,
		ExpiresAt: expiresAt,
		Scope:     scope,
		CreatedAt: time.Now(),
	}, nil
}

// Storage defines the interface for token storage implementations
type Storage interface {
	// Store saves a token with the given key, overwriting any existing one
	Store(ctx context.Context, key string, token Token) error

	// Retrieve gets a token by its key
	// Returns ErrTokenNotFound if the token doesn't exist
	Retrieve(ctx context.Context, key string) (Token, error)

	// Delete removes a token by its key
	Delete(ctx context.Context, key string) error

	// List returns all stored token keys
	List(ctx context.Context) ([]string, error)

	Close(ctx context.Context) error
}

// IsExpired checks if a token has expired
func IsExpired(token Token) bool {
	if token.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(token.ExpiresAt)
}

// IsValid performs basic validation of a token
func IsValid(token Token) bool {
	return token.Value != ""
}
