package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsExpired(t *testing.T) {
	tests := []struct {
		name     string
		token    Token
		expected bool
	}{
		{"non-expiring token", Token{Value: "test-token"}, false},
		{"expired token", Token{Value: "test-token", ExpiresAt: time.Now().Add(-time.Hour)}, true},
		{"valid token", Token{Value: "test-token", ExpiresAt: time.Now().Add(time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsExpired(tt.token))
		})
	}
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid(Token{Value: "test-token"}))
	assert.False(t, IsValid(Token{Scope: "repo"}))
}

func TestNewToken(t *testing.T) {
	tok, err := NewToken("abc", time.Time{}, "read")
	assert.NoError(t, err)
	assert.Equal(t, "abc", tok.Value)
	assert.False(t, tok.CreatedAt.IsZero())

	_, err = NewToken("", time.Time{}, "")
	assert.Error(t, err)
}
