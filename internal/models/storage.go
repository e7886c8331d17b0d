package models

import "context"

// SessionTx is the transaction-scoped view the gateway works through while
// applying one state transition. Loads, uniqueness guards, and terminal
// directory writes all run against the same open transaction, so a racing
// writer is either observed or serialized, never interleaved.
type SessionTx interface {
	// Session loads the singleton session row, locking it for the
	// duration of the transaction. The second result reports whether the
	// persisted value was malformed and had to be reset to the WAITING
	// baseline.
	Session(ctx context.Context) (Session, bool, error)
	// Save persists the session row.
	Save(ctx context.Context, s Session) error

	// NextUserID computes max(existing ids)+1.
	NextUserID(ctx context.Context) (int64, error)
	// InsertUser creates a user row with a pre-assigned id.
	InsertUser(ctx context.Context, u User) (User, error)
	// AssignCardUID sets the card UID of a user that has none.
	AssignCardUID(ctx context.Context, userID int64, uid string) (User, error)

	// PINInUse reports whether any user holds the given PIN.
	PINInUse(ctx context.Context, pin string) (bool, error)
	// CardOwner returns the holder of the given card UID, or ErrNotFound.
	CardOwner(ctx context.Context, uid string) (*User, error)
	// UserByID returns the user with the given id, or ErrNotFound.
	UserByID(ctx context.Context, id int64) (*User, error)
}

// SessionStore owns the durable session row.
type SessionStore interface {
	// InTx runs fn inside one database transaction and commits when fn
	// returns nil. Any error from fn rolls the transaction back.
	InTx(ctx context.Context, fn func(tx SessionTx) error) error
	// State returns the current session without locking; the polling
	// hardware reads this and must treat every field as possibly stale.
	State(ctx context.Context) (Session, error)
}
