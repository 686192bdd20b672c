package hmon

import "github.com/google/uuid"

// SessionID identifies a logical monitored interpreter instance. For
// dialer-mode servers it is allocated once at registration and preserved
// across reconnects; for listener-mode acceptances a fresh id is minted
// per accepted connection.
type SessionID uuid.UUID

// NewSessionID mints a fresh 128-bit session identifier.
func NewSessionID() SessionID { return SessionID(uuid.New()) }

func (id SessionID) String() string { return uuid.UUID(id).String() }

// newCorrelationID mints a fresh opaque correlation id for the UID field of
// a correlated command. Collisions with outstanding ids on the same
// connection must not occur; uuid's 122 bits of randomness make that
// practically guaranteed without additional bookkeeping.
func newCorrelationID() string { return uuid.New().String() }
