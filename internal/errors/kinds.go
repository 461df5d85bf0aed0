package errors

import stderrors "errors"

// Kind classifies clone failures
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidPlan
	KindAuthentication
	KindRefNotFound
	KindCorruptPack
	KindObjectIntegrity
	KindRefUpdate
	KindDestinationNotEmpty
	KindCheckout
	KindLockContention
	KindTimeout
	KindCancelled
	KindTransport
)

var kindNames = map[Kind]string{
	KindUnknown:             "UnknownError",
	KindInvalidPlan:         "InvalidPlanError",
	KindAuthentication:      "AuthenticationError",
	KindRefNotFound:         "RefNotFoundError",
	KindCorruptPack:         "CorruptPackError",
	KindObjectIntegrity:     "ObjectIntegrityError",
	KindRefUpdate:           "RefUpdateError",
	KindDestinationNotEmpty: "DestinationNotEmptyError",
	KindCheckout:            "CheckoutError",
	KindLockContention:      "LockContentionError",
	KindTimeout:             "TimeoutError",
	KindCancelled:           "CancelledError",
	KindTransport:           "TransportError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// Sentinels for errors.Is matching by kind
var (
	ErrInvalidPlan         = &OperationError{Kind: KindInvalidPlan}
	ErrAuthentication      = &OperationError{Kind: KindAuthentication}
	ErrRefNotFound         = &OperationError{Kind: KindRefNotFound}
	ErrCorruptPack         = &OperationError{Kind: KindCorruptPack}
	ErrObjectIntegrity     = &OperationError{Kind: KindObjectIntegrity}
	ErrRefUpdate           = &OperationError{Kind: KindRefUpdate}
	ErrDestinationNotEmpty = &OperationError{Kind: KindDestinationNotEmpty}
	ErrCheckout            = &OperationError{Kind: KindCheckout}
	ErrLockContention      = &OperationError{Kind: KindLockContention}
	ErrTimeout             = &OperationError{Kind: KindTimeout}
	ErrCancelled           = &OperationError{Kind: KindCancelled}
	ErrTransport           = &OperationError{Kind: KindTransport}
)

// IsAuthentication checks if the error indicates rejected credentials
func IsAuthentication(err error) bool {
	return stderrors.Is(err, ErrAuthentication)
}

// IsRefNotFound checks if the error indicates a missing remote ref
func IsRefNotFound(err error) bool {
	return stderrors.Is(err, ErrRefNotFound)
}

// IsRetryable checks if the error is a transient transport failure
func IsRetryable(err error) bool {
	for err != nil {
		var opErr *OperationError
		if !stderrors.As(err, &opErr) {
			return false
		}
		if opErr.Transient {
			return true
		}
		err = opErr.Err
	}
	return false
}
