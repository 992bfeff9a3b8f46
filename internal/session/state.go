package session

import (
	"errors"
	"time"
)

// State is the lifecycle state of the current provider connection.
type State int

const (
	StateUninitialized State = iota
	StatePairingRequired
	StateAuthenticated
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePairingRequired:
		return "pairing_required"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// PairingArtifact is the current pairing challenge. It is replaced wholesale on
// every re-issuance.
type PairingArtifact struct {
	Code       string    `json:"code"`
	IssuedAt   time.Time `json:"issued_at"`
	Generation uint64    `json:"generation"`
}

// Status is a point-in-time view of the session, published on every transition.
type Status struct {
	State      State     `json:"state"`
	Ready      bool      `json:"ready"`
	Generation uint64    `json:"generation"`
	Since      time.Time `json:"since"`
	HasPairing bool      `json:"has_pairing"`
	Reason     string    `json:"reason,omitempty"`
}

var (
	// ErrPairingUnavailable means no pairing challenge is pending: none was issued
	// yet for this connection, or the session is already ready.
	ErrPairingUnavailable = errors.New("pairing code not available")
	// ErrConnectionLost ends a connection run so the keeper starts a new one.
	// It never reaches operators.
	ErrConnectionLost = errors.New("connection lost")
	// ErrTeardown matches every *TeardownError.
	ErrTeardown = errors.New("session teardown failed")
)

// TeardownError reports that the provider refused or failed a logout.
// Local state is cleared and a new connection is started regardless.
type TeardownError struct {
	Err error
}

func (e *TeardownError) Error() string { return ErrTeardown.Error() + ": " + e.Err.Error() }

func (e *TeardownError) Unwrap() []error { return []error{ErrTeardown, e.Err} }

// Observer receives lifecycle signals, typically metrics.
type Observer interface {
	ObserveState(state string)
	ObserveReconnect()
}

type nopObserver struct{}

func (nopObserver) ObserveState(string) {}
func (nopObserver) ObserveReconnect()   {}
