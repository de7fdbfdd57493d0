// Package types holds the core data model shared by every runtime package:
// silo and activation addresses, grain identities, membership and directory
// entries, and the wire-level message and transaction records.
package types

import (
	"fmt"
	"strings"
	"time"
)

// SiloAddress identifies a silo process: a network endpoint plus a
// monotonic generation assigned at silo start. Two silos are equal only
// when both endpoint and generation match.
type SiloAddress struct {
	Endpoint   string // host:port
	Generation int64
}

// String renders the address as "endpoint@generation".
func (a SiloAddress) String() string {
	return fmt.Sprintf("%s@%d", a.Endpoint, a.Generation)
}

// Equal reports whether two addresses name the same silo instance.
func (a SiloAddress) Equal(other SiloAddress) bool {
	return a.Endpoint == other.Endpoint && a.Generation == other.Generation
}

// Less gives the deterministic tie-break order used by the directory's
// concurrent-create resolution (lower tuple wins).
func (a SiloAddress) Less(other SiloAddress) bool {
	if a.Endpoint != other.Endpoint {
		return a.Endpoint < other.Endpoint
	}
	return a.Generation < other.Generation
}

// KeyKind tags which shape of primary key a GrainID carries.
type KeyKind int

const (
	KeyKindGUID KeyKind = iota
	KeyKindInt64
	KeyKindString
	KeyKindInt64String
	KeyKindGUIDString
)

// GrainID is a typed, opaque grain identity: a type tag plus one of the
// five primary-key shapes named in the spec. System grains additionally
// pin a silo address inside the key.
type GrainID struct {
	Type   string
	Kind   KeyKind
	GUID   string // 128-bit identifier, hex-encoded
	Int    int64
	Str    string
	Pinned *SiloAddress // non-nil for system grains pinned to one silo
}

// NewGUIDGrainID builds a grain id keyed by a 128-bit identifier.
func NewGUIDGrainID(typ, guid string) GrainID {
	return GrainID{Type: typ, Kind: KeyKindGUID, GUID: guid}
}

// NewIntGrainID builds a grain id keyed by a 64-bit integer.
func NewIntGrainID(typ string, id int64) GrainID {
	return GrainID{Type: typ, Kind: KeyKindInt64, Int: id}
}

// NewStringGrainID builds a grain id keyed by a string.
func NewStringGrainID(typ, key string) GrainID {
	return GrainID{Type: typ, Kind: KeyKindString, Str: key}
}

// NewIntStringGrainID builds a grain id keyed by an integer with a string
// suffix.
func NewIntStringGrainID(typ string, id int64, suffix string) GrainID {
	return GrainID{Type: typ, Kind: KeyKindInt64String, Int: id, Str: suffix}
}

// NewGUIDStringGrainID builds a grain id keyed by a 128-bit identifier with
// a string suffix.
func NewGUIDStringGrainID(typ, guid, suffix string) GrainID {
	return GrainID{Type: typ, Kind: KeyKindGUIDString, GUID: guid, Str: suffix}
}

// Key renders the primary-key portion as a stable string, independent of
// Type — used as a map key and as the key part of HashInput.
func (g GrainID) Key() string {
	switch g.Kind {
	case KeyKindGUID:
		return g.GUID
	case KeyKindInt64:
		return fmt.Sprintf("%d", g.Int)
	case KeyKindString:
		return g.Str
	case KeyKindInt64String:
		return fmt.Sprintf("%d+%s", g.Int, g.Str)
	case KeyKindGUIDString:
		return fmt.Sprintf("%s+%s", g.GUID, g.Str)
	default:
		return ""
	}
}

// String renders the full identity as "type/key".
func (g GrainID) String() string {
	return g.Type + "/" + g.Key()
}

// HashInput is the byte string hashed for directory ownership and
// placement: stable across processes, independent of pointer identity.
func (g GrainID) HashInput() string {
	var b strings.Builder
	b.WriteString(g.Type)
	b.WriteByte('/')
	b.WriteString(g.Key())
	return b.String()
}

// ActivationID disambiguates successive activations of the same grain on
// one silo.
type ActivationID string

// ActivationAddress is the full address of one activation: which grain, on
// which silo, under which activation identity.
type ActivationAddress struct {
	Grain      GrainID
	Silo       SiloAddress
	Activation ActivationID
}

// String renders "grain@silo#activation".
func (a ActivationAddress) String() string {
	return fmt.Sprintf("%s@%s#%s", a.Grain, a.Silo, a.Activation)
}

// Less gives the deterministic (silo, activation) lexicographic order used
// to break concurrent-create ties in the directory (§4.2).
func (a ActivationAddress) Less(other ActivationAddress) bool {
	if !a.Silo.Equal(other.Silo) {
		return a.Silo.Less(other.Silo)
	}
	return a.Activation < other.Activation
}

// SiloStatus is a silo's position in the membership state machine.
type SiloStatus int

const (
	StatusCreated SiloStatus = iota
	StatusJoining
	StatusActive
	StatusShuttingDown
	StatusStopping
	StatusDead
)

func (s SiloStatus) String() string {
	switch s {
	case StatusCreated:
		return "Created"
	case StatusJoining:
		return "Joining"
	case StatusActive:
		return "Active"
	case StatusShuttingDown:
		return "ShuttingDown"
	case StatusStopping:
		return "Stopping"
	case StatusDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Suspicion records that one silo suspects another of being unreachable.
type Suspicion struct {
	Suspector SiloAddress
	SuspectAt time.Time
}

// MembershipEntry is one row of the membership table (§3 "Membership
// entry").
type MembershipEntry struct {
	Silo          SiloAddress
	HostName      string
	Role          string // "silo" or a system-reserved role name
	Status        SiloStatus
	StartTime     time.Time
	IAmAliveTime  time.Time
	UpdateZone    string
	FaultZone     string
	Suspectors    []Suspicion
}

// RowKey is the stable identity of a membership row: one per (endpoint,
// generation).
func (e MembershipEntry) RowKey() string { return e.Silo.String() }

// DirectoryEntry maps a grain identity to its current activation address.
type DirectoryEntry struct {
	Grain        GrainID
	Address      ActivationAddress
	RegisteredAt time.Time
	OwnerHint    *SiloAddress
}

// MessageDirection distinguishes the three message shapes on the wire.
type MessageDirection int

const (
	DirectionRequest MessageDirection = iota
	DirectionResponse
	DirectionOneWay
)

func (d MessageDirection) String() string {
	switch d {
	case DirectionRequest:
		return "Request"
	case DirectionResponse:
		return "Response"
	case DirectionOneWay:
		return "OneWay"
	default:
		return "Unknown"
	}
}

// RejectionKind enumerates §4.6's rejection taxonomy.
type RejectionKind int

const (
	RejectionNone RejectionKind = iota
	RejectionTransient
	RejectionUnrecoverable
	RejectionGatewayTooBusy
	RejectionCacheInvalidation
	RejectionDuplicateRequest
)

func (k RejectionKind) String() string {
	switch k {
	case RejectionTransient:
		return "Transient"
	case RejectionUnrecoverable:
		return "Unrecoverable"
	case RejectionGatewayTooBusy:
		return "GatewayTooBusy"
	case RejectionCacheInvalidation:
		return "CacheInvalidation"
	case RejectionDuplicateRequest:
		return "DuplicateRequest"
	default:
		return "None"
	}
}

// Retryable reports whether the router should re-address and resend a
// message rejected with this kind.
func (k RejectionKind) Retryable() bool {
	switch k {
	case RejectionTransient, RejectionUnrecoverable, RejectionGatewayTooBusy:
		return true
	default:
		return false
	}
}

// MessageHeader is the addressing and control envelope of every message
// (§3 "Message").
type MessageHeader struct {
	SendingGrain    GrainID
	SendingSilo     SiloAddress
	TargetGrain     GrainID
	TargetSilo      SiloAddress
	CorrelationID   uint64
	Direction       MessageDirection
	InterfaceType   string
	InterfaceVer    int
	Expiry          time.Time
	RetryCount      int
	CacheInvalidate []ActivationAddress
	RequestContext  map[string]string
	Rejection       RejectionKind
	ChainRootID     uint64 // root correlation id for call-chain reentrancy
}

// Message is the full envelope: header plus an opaque body (an invokable
// call or a response payload), carried as raw bytes at the wire boundary
// and as an `any` in-process.
type Message struct {
	Header MessageHeader
	Body   []byte
}

// Expired reports whether the message's deadline has passed as of now.
func (m *Message) Expired(now time.Time) bool {
	return !m.Header.Expiry.IsZero() && now.After(m.Header.Expiry)
}

// CommitRole is a transaction's role once the lock manager has resolved
// it, per §3 "Transaction record".
type CommitRole int

const (
	RoleNotYetDetermined CommitRole = iota
	RoleLocalCommit
	RoleRemoteCommit
	RoleReadOnly
	RoleAbort
)

// TransactionRecord tracks one transaction's participation in a grain's
// LockGroup.
type TransactionRecord struct {
	TxID      string
	Priority  time.Time // lower = higher priority (older wins ties)
	ReadCount int
	Writes    int
	Role      CommitRole
	Deadline  time.Time
	CommitAt  time.Time
	IsRead    bool
}

// ReentrancyPolicy selects how a non-reentrant activation's work queue
// admits interleaved messages (§4.5).
type ReentrancyPolicy int

const (
	ReentrancyNone ReentrancyPolicy = iota
	ReentrancyFull
	ReentrancyPredicate
	ReentrancyCallChain
)

// DeactivationReason is surfaced in logs and, for certain reasons, blocks
// immediate reactivation (§4.4).
type DeactivationReason int

const (
	ReasonIdle DeactivationReason = iota
	ReasonShutdown
	ReasonApplicationError
	ReasonInconsistentState
	ReasonDuplicateActivation
	ReasonManual
)

func (r DeactivationReason) String() string {
	switch r {
	case ReasonIdle:
		return "Idle"
	case ReasonShutdown:
		return "Shutdown"
	case ReasonApplicationError:
		return "ApplicationError"
	case ReasonInconsistentState:
		return "InconsistentState"
	case ReasonDuplicateActivation:
		return "DuplicateActivation"
	case ReasonManual:
		return "Manual"
	default:
		return "Unknown"
	}
}

// CoolsDown reports whether this deactivation reason should prevent
// auto-reactivation for a cool-down period.
func (r DeactivationReason) CoolsDown() bool {
	return r == ReasonApplicationError || r == ReasonInconsistentState
}
