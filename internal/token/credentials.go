package token

import (
	"context"
	"errors"
	"fmt"
)

// DefaultUsername is sent with tokens that do not name a user. Hosting
// services that authenticate by token ignore the user name.
const DefaultUsername = "git"

// Credentials are the user name and secret presented to a remote.
type Credentials struct {
	Username string
	Password string
}

// IsZero reports whether no credentials are set.
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// ForHost looks up the token stored for host. found is false when no
// token is stored; an expired or malformed token is an error.
func ForHost(ctx context.Context, s Storage, host string) (creds Credentials, found bool, err error) {
	tok, err := s.Retrieve(ctx, host)
	if errors.Is(err, ErrTokenNotFound) {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, fmt.Errorf("token for %s: %w", host, err)
	}
	user := tok.Username
	if user == "" {
		user = DefaultUsername
	}
	return Credentials{Username: user, Password: tok.Value}, true, nil
}
