// Package statestore persists session snapshots so a client can resume a
// session after a restart: the lifecycle counters, the unsent outbound
// queue, and the last known cost figures.
package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/AltairaLabs/VoiceLink/wire"
)

// Store errors.
var (
	// ErrNotFound is returned when a session doesn't exist in the store.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidID is returned for an empty session ID.
	ErrInvalidID = errors.New("invalid session ID")
	// ErrInvalidSnapshot is returned for a nil snapshot.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// SessionSnapshot is the persisted view of one session.
type SessionSnapshot struct {
	SessionID string `json:"session_id"`

	// Phase is the lifecycle phase name at snapshot time.
	Phase string `json:"phase"`

	ReconnectAttempts int    `json:"reconnect_attempts"`
	LastError         string `json:"last_error,omitempty"`

	// QueuedMessages is the outbound queue awaiting reconnection,
	// preserved in FIFO order.
	QueuedMessages []*wire.Message `json:"queued_messages,omitempty"`

	// Cost figures as decimal strings, so no precision is lost in JSON.
	SessionCost     string `json:"session_cost,omitempty"`
	BudgetLimit     string `json:"budget_limit,omitempty"`
	BudgetRemaining string `json:"budget_remaining,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the interface for session snapshot persistence.
type Store interface {
	// Load retrieves a snapshot by session ID.
	Load(ctx context.Context, sessionID string) (*SessionSnapshot, error)

	// Save persists a snapshot, replacing any previous one.
	Save(ctx context.Context, snap *SessionSnapshot) error

	// Delete removes a snapshot. Returns ErrNotFound if absent.
	Delete(ctx context.Context, sessionID string) error
}
