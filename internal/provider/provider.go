// Package provider defines the messaging-provider capability the session
// manager drives. Implementations own exactly one connection each; a fresh
// connection always comes from a Factory.
package provider

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by sends attempted while no usable session exists.
var ErrNotConnected = errors.New("session not connected")

type EventKind int

const (
	EventPairing EventKind = iota + 1
	EventAuthenticated
	EventReady
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventPairing:
		return "pairing"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is an asynchronous lifecycle notification from a connection.
type Event struct {
	Kind EventKind
	// Code is the pairing challenge for EventPairing.
	Code string
	// Reason is a short human description for EventDisconnected.
	Reason string
}

// Client is one provider connection.
type Client interface {
	// Initialize starts connecting. Lifecycle events are delivered on events
	// until Destroy returns; implementations must not block forever on a full channel.
	Initialize(ctx context.Context, events chan<- Event) error
	// Send delivers body to a digits-only address.
	Send(ctx context.Context, address, body string) error
	// ClearSession removes the session-scoped credentials so the next
	// connection pairs as a new identity.
	ClearSession(ctx context.Context) error
	// Destroy tears the connection down. It is safe to call more than once.
	Destroy(ctx context.Context) error
}

// Factory builds a brand-new, uninitialized Client.
type Factory func(ctx context.Context) (Client, error)
