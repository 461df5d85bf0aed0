package token

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// MemoryStorage holds tokens keyed by host name, compared without regard
// to case. It is filled from a token file or programmatically.
type MemoryStorage struct {
	mu    sync.RWMutex
	hosts map[string]Token
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{hosts: make(map[string]Token)}
}

// fileToken is one entry of a token file written out in full.
type fileToken struct {
	Value     string    `yaml:"value"`
	Username  string    `yaml:"username"`
	ExpiresAt time.Time `yaml:"expires_at"`
	Scope     string    `yaml:"scope"`
}

// LoadFile reads a YAML token file mapping host names to tokens. An entry
// is either the bare token or a mapping:
//
//	github.com: ghp_...
//	git.example.com:
//	  value: glpat-...
//	  username: oauth2
//	  expires_at: 2027-01-01T00:00:00Z
func LoadFile(path string) (*MemoryStorage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse token file %s: %w", path, err)
	}

	m := NewMemoryStorage()
	for host, node := range doc {
		var ft fileToken
		if node.Kind == yaml.ScalarNode {
			ft.Value = node.Value
		} else if err := node.Decode(&ft); err != nil {
			return nil, fmt.Errorf("token file %s: host %s: %w", path, host, err)
		}
		tok := Token{Value: ft.Value, Username: ft.Username, ExpiresAt: ft.ExpiresAt, Scope: ft.Scope}
		if err := m.Store(context.Background(), host, tok); err != nil {
			return nil, fmt.Errorf("token file %s: host %s: %w", path, host, err)
		}
	}
	return m, nil
}

func (m *MemoryStorage) Store(_ context.Context, host string, token Token) error {
	// expired tokens are kept so Retrieve can report them as expired
	if !IsValid(token) {
		return ErrTokenInvalid
	}
	m.mu.Lock()
	m.hosts[strings.ToLower(host)] = token
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Retrieve(_ context.Context, host string) (Token, error) {
	m.mu.RLock()
	token, ok := m.hosts[strings.ToLower(host)]
	m.mu.RUnlock()
	switch {
	case !ok:
		return Token{}, ErrTokenNotFound
	case IsExpired(token):
		return Token{}, ErrTokenExpired
	}
	return token, nil
}

func (m *MemoryStorage) Delete(_ context.Context, host string) error {
	m.mu.Lock()
	delete(m.hosts, strings.ToLower(host))
	m.mu.Unlock()
	return nil
}

// List returns the stored host names, sorted.
func (m *MemoryStorage) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.hosts)), nil
}

// Close forgets every token.
func (m *MemoryStorage) Close(_ context.Context) error {
	m.mu.Lock()
	clear(m.hosts)
	m.mu.Unlock()
	return nil
}
