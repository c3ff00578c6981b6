package core

import (
	"context"
	"time"
)

// Member is one participant of a live playback session.
type Member struct {
	ID       string
	Bot      bool
	Deafened bool
	JoinedAt time.Time
}

// Session is the capability set the health poller needs from a live playback
// session on the chat/voice platform.
type Session interface {
	// ID returns the stable session identifier (one per guild).
	ID() string

	// IsActive reports whether the session still has a channel and context.
	IsActive() bool

	// ListMembers returns the members the session currently knows about.
	// The list may be stale until Refresh is called.
	ListMembers() []Member

	// Refresh re-fetches membership from the platform.
	Refresh(ctx context.Context) error

	// Controller returns the ID of the member controlling playback, or "".
	Controller() string

	// SetController hands control to memberID ("" clears it).
	SetController(memberID string)

	// Idle reports that nothing is playing and the queue is empty.
	Idle() bool

	// AlwaysOn reports whether 24/7 mode is enabled for the session.
	AlwaysOn() bool

	// Paused reports whether playback is paused.
	Paused() bool

	// SetPaused pauses or resumes playback.
	SetPaused(ctx context.Context, paused bool) error

	// Teardown disconnects the session and releases its resources.
	Teardown(ctx context.Context) error
}

// SessionSource lists the live sessions across all voice nodes.
type SessionSource interface {
	Sessions() []Session
}

// Reconnector is implemented by sessions that can notice and repair a lost
// voice connection. The poller reconnects a session that is playing to
// listeners but no longer connected.
type Reconnector interface {
	Connected() bool
	Reconnect(ctx context.Context) error
}
