package token

import (
	"context"
	"errors"
	"maps"
	"slices"
)

// Chain consults each storage in order. The first one holding a token for
// a key answers, even when that token is expired or invalid. Store writes
// to the first storage; Delete removes the key everywhere.
type Chain []Storage

func (c Chain) Store(ctx context.Context, key string, token Token) error {
	if len(c) == 0 {
		return errors.New("token chain is empty")
	}
	return c[0].Store(ctx, key, token)
}

func (c Chain) Retrieve(ctx context.Context, key string) (Token, error) {
	for _, s := range c {
		tok, err := s.Retrieve(ctx, key)
		if errors.Is(err, ErrTokenNotFound) {
			continue
		}
		return tok, err
	}
	return Token{}, ErrTokenNotFound
}

func (c Chain) Delete(ctx context.Context, key string) error {
	var errs []error
	for _, s := range c {
		errs = append(errs, s.Delete(ctx, key))
	}
	return errors.Join(errs...)
}

// List returns the keys held by any storage in the chain, sorted.
func (c Chain) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, s := range c {
		keys, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (c Chain) Close(ctx context.Context) error {
	var errs []error
	for _, s := range c {
		errs = append(errs, s.Close(ctx))
	}
	return errors.Join(errs...)
}
