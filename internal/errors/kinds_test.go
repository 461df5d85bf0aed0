package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindAuthentication, "AuthenticationError"},
		{KindRefNotFound, "RefNotFoundError"},
		{KindCorruptPack, "CorruptPackError"},
		{KindObjectIntegrity, "ObjectIntegrityError"},
		{KindRefUpdate, "RefUpdateError"},
		{KindDestinationNotEmpty, "DestinationNotEmptyError"},
		{KindCheckout, "CheckoutError"},
		{KindLockContention, "LockContentionError"},
		{KindTimeout, "TimeoutError"},
		{KindCancelled, "CancelledError"},
		{Kind(99), "UnknownError"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.kind.String())
		})
	}
}

func TestIsAuthentication(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "authentication error",
			err:      Wrap("negotiate", KindAuthentication, errors.New("HTTP 401")),
			expected: true,
		},
		{
			name:     "other clone error",
			err:      Wrap("negotiate", KindTransport, errors.New("HTTP 500")),
			expected: false,
		},
		{
			name:     "regular error",
			err:      fmt.Errorf("regular error"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsAuthentication(tt.err))
		})
	}
}

func TestIsRefNotFound(t *testing.T) {
	assert.True(t, IsRefNotFound(Errorf("negotiate", KindRefNotFound, "branch %q not found", "missing")))
	assert.False(t, IsRefNotFound(ErrCheckout))
	assert.False(t, IsRefNotFound(nil))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "transient transport error",
			err:      Transient("negotiate", errors.New("connection reset by peer")),
			expected: true,
		},
		{
			name:     "wrapped transient error",
			err:      New("clone", Transient("negotiate", errors.New("HTTP 503"))),
			expected: true,
		},
		{
			name:     "permanent transport error",
			err:      Wrap("negotiate", KindTransport, errors.New("repository not found")),
			expected: false,
		},
		{
			name:     "integrity error",
			err:      Wrap("store", KindObjectIntegrity, errors.New("hash mismatch")),
			expected: false,
		},
		{
			name:     "regular error",
			err:      fmt.Errorf("regular error"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestSentinelsMatchKind(t *testing.T) {
	sentinels := map[Kind]*OperationError{
		KindInvalidPlan:         ErrInvalidPlan,
		KindAuthentication:      ErrAuthentication,
		KindRefNotFound:         ErrRefNotFound,
		KindCorruptPack:         ErrCorruptPack,
		KindObjectIntegrity:     ErrObjectIntegrity,
		KindRefUpdate:           ErrRefUpdate,
		KindDestinationNotEmpty: ErrDestinationNotEmpty,
		KindCheckout:            ErrCheckout,
		KindLockContention:      ErrLockContention,
		KindTimeout:             ErrTimeout,
		KindCancelled:           ErrCancelled,
		KindTransport:           ErrTransport,
	}

	for kind, sentinel := range sentinels {
		err := Wrap("clone", kind, errors.New("boom"))
		assert.True(t, errors.Is(err, sentinel), kind.String())
		assert.Equal(t, kind, KindOf(err))
	}
}
