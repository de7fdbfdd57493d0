// Package failure defines the runtime's structured failure taxonomy (§7).
// Transient, routing, and transactional failures are carried as typed
// values through the call chain rather than as exceptions — only truly
// unexpected faults surface as a Go error from these APIs.
package failure

import "fmt"

// Kind is a closed taxonomy of the failure signals the runtime propagates.
type Kind int

const (
	// Transient — retry allowed.
	KindGatewayTooBusy Kind = iota
	KindOverloaded
	KindTimeout
	KindMembershipContention

	// Routing — retry after cache invalidation.
	KindStaleActivation
	KindCacheInvalidation

	// Unrecoverable request — surfaced to caller.
	KindDuplicateRequest
	KindUnsupportedRequest

	// Consistency.
	KindInconsistentState

	// Transactional.
	KindBrokenLock
	KindLockValidationFailed
	KindLockUpgrade
	KindLockDeadlineExceeded
	KindTransactionAborted

	// Fatal — drop the connection/resource.
	KindClusterIDMismatch
	KindProtocolVersionMismatch
)

func (k Kind) String() string {
	switch k {
	case KindGatewayTooBusy:
		return "GatewayTooBusy"
	case KindOverloaded:
		return "Overloaded"
	case KindTimeout:
		return "Timeout"
	case KindMembershipContention:
		return "MembershipContention"
	case KindStaleActivation:
		return "StaleActivation"
	case KindCacheInvalidation:
		return "CacheInvalidation"
	case KindDuplicateRequest:
		return "DuplicateRequest"
	case KindUnsupportedRequest:
		return "UnsupportedRequest"
	case KindInconsistentState:
		return "InconsistentState"
	case KindBrokenLock:
		return "BrokenLock"
	case KindLockValidationFailed:
		return "LockValidationFailed"
	case KindLockUpgrade:
		return "LockUpgrade"
	case KindLockDeadlineExceeded:
		return "LockDeadlineExceeded"
	case KindTransactionAborted:
		return "TransactionAborted"
	case KindClusterIDMismatch:
		return "ClusterIdMismatch"
	case KindProtocolVersionMismatch:
		return "ProtocolVersionMismatch"
	default:
		return "Unknown"
	}
}

// Transient reports whether the router may retry a message that failed
// with this kind, without first invalidating any cache entry.
func (k Kind) Transient() bool {
	switch k {
	case KindGatewayTooBusy, KindOverloaded, KindTimeout, KindMembershipContention:
		return true
	default:
		return false
	}
}

// Fatal reports whether the resource the failure came from (a connection,
// typically) must be dropped.
func (k Kind) Fatal() bool {
	return k == KindClusterIDMismatch || k == KindProtocolVersionMismatch
}

// Failure is a structured, typed failure signal. It satisfies the error
// interface so it composes with %w and errors.As, but callers that need to
// branch on kind should prefer the Kind field or As().
type Failure struct {
	Kind    Kind
	Message string
	Cause   error // wrapped underlying error, if any (e.g. an application OnActivate error)
}

// New builds a Failure of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Failure of the given kind wrapping a cause.
func Wrap(kind Kind, cause error) *Failure {
	return &Failure{Kind: kind, Message: cause.Error(), Cause: cause}
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Cause }

// As reports whether err is a *Failure of the given kind.
func As(err error, kind Kind) bool {
	f, ok := err.(*Failure)
	return ok && f.Kind == kind
}
