// Package repository provides PostgreSQL persistence for the smart-lock
// service: the enrollment session row, the user directory, and the
// access log.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/HienTruongTHMH/Smart-Lock/internal/models"
)

// sessionKey is the fixed key of the singleton session row in system_state.
const sessionKey = "enrollment_session"

// uniqueViolation is the PostgreSQL error code for unique-constraint hits.
const uniqueViolation = "23505"

// PostgresSessionRepository owns the enrollment session row and performs
// the gateway's transactional work against PostgreSQL.
type PostgresSessionRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

var _ models.SessionStore = (*PostgresSessionRepository)(nil)

// NewPostgresSessionRepository creates a PostgresSessionRepository using
// the provided *sql.DB.
func NewPostgresSessionRepository(db *sql.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{DB: db}
}

// InTx runs fn inside a single transaction and commits when fn returns
// nil. Any error from fn rolls back, so a half-applied transition never
// reaches a visible state.
func (r *PostgresSessionRepository) InTx(ctx context.Context, fn func(tx models.SessionTx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sessionTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// State returns the current session without locking. A missing row yields
// the WAITING baseline; a malformed row is repaired the same way the
// transactional load repairs it.
func (r *PostgresSessionRepository) State(ctx context.Context) (models.Session, error) {
	var raw []byte
	err := r.DB.QueryRowContext(ctx,
		`SELECT value FROM system_state WHERE key = $1`,
		sessionKey,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return models.NewWaitingSession(), nil
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("load session: %w", err)
	}
	sess, _ := decodeSession(raw)
	return sess, nil
}

// decodeSession unmarshals and repairs a persisted session value. The
// bool reports whether the value was malformed.
func decodeSession(raw []byte) (models.Session, bool) {
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return models.NewWaitingSession(), true
	}
	repaired := sess.Normalize()
	return sess, repaired
}

// sessionTx implements models.SessionTx over an open *sql.Tx. It also
// satisfies enroll.Directory, so the state machine's uniqueness guards
// run inside the same transaction as the writes they protect.
type sessionTx struct {
	tx *sql.Tx
}

// Session loads the session row FOR UPDATE, serializing all concurrent
// writers on the single row: the row is the sole synchronization point
// between the admin surface and the polling device. On first run the row
// is created at the WAITING baseline.
func (t *sessionTx) Session(ctx context.Context) (models.Session, bool, error) {
	var raw []byte
	err := t.tx.QueryRowContext(ctx,
		`SELECT value FROM system_state WHERE key = $1 FOR UPDATE`,
		sessionKey,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		def := models.NewWaitingSession()
		value, merr := json.Marshal(def)
		if merr != nil {
			return models.Session{}, false, fmt.Errorf("encode default session: %w", merr)
		}
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO system_state (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
			sessionKey, value,
		); err != nil {
			return models.Session{}, false, fmt.Errorf("init session: %w", err)
		}
		err = t.tx.QueryRowContext(ctx,
			`SELECT value FROM system_state WHERE key = $1 FOR UPDATE`,
			sessionKey,
		).Scan(&raw)
	}
	if err != nil {
		return models.Session{}, false, fmt.Errorf("load session: %w", err)
	}
	sess, repaired := decodeSession(raw)
	return sess, repaired, nil
}

// Save persists the session row.
func (t *sessionTx) Save(ctx context.Context, s models.Session) error {
	value, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE system_state SET value = $1, updated_at = CURRENT_TIMESTAMP WHERE key = $2`,
		value, sessionKey,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// NextUserID computes max(existing ids)+1 inside the transaction, so two
// concurrent commits cannot assign the same id.
func (t *sessionTx) NextUserID(ctx context.Context) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM users`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next user id: %w", err)
	}
	return id, nil
}

// InsertUser creates the user row. A unique-constraint hit is mapped to
// the conflict taxonomy so the loser of a commit race observes
// DuplicatePIN or DuplicateCard rather than a bare driver error.
func (t *sessionTx) InsertUser(ctx context.Context, u models.User) (models.User, error) {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO users (id, full_name, pin, card_uid)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		u.ID, u.FullName, u.PIN, u.CardUID,
	).Scan(&u.CreatedAt)
	if err != nil {
		return models.User{}, mapUniqueViolation(err)
	}
	return u, nil
}

// AssignCardUID sets the card UID of a user that currently has none.
func (t *sessionTx) AssignCardUID(ctx context.Context, userID int64, uid string) (models.User, error) {
	var u models.User
	err := t.tx.QueryRowContext(ctx,
		`UPDATE users SET card_uid = $1
		 WHERE id = $2 AND card_uid IS NULL
		 RETURNING id, full_name, pin, card_uid, created_at`,
		uid, userID,
	).Scan(&u.ID, &u.FullName, &u.PIN, &u.CardUID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return models.User{}, models.NewConflict(models.TargetAlreadyHasCard,
			"user %d no longer eligible for a card", userID)
	}
	if err != nil {
		return models.User{}, mapUniqueViolation(err)
	}
	return u, nil
}

// PINInUse reports whether any user holds the given PIN.
func (t *sessionTx) PINInUse(ctx context.Context, pin string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE pin = $1)`,
		pin,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pin: %w", err)
	}
	return exists, nil
}

// CardOwner returns the holder of the given card UID, or ErrNotFound.
func (t *sessionTx) CardOwner(ctx context.Context, uid string) (*models.User, error) {
	return scanUser(t.tx.QueryRowContext(ctx,
		`SELECT id, full_name, pin, card_uid, created_at FROM users WHERE card_uid = $1`,
		uid,
	))
}

// UserByID returns the user with the given id, or ErrNotFound.
func (t *sessionTx) UserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(t.tx.QueryRowContext(ctx,
		`SELECT id, full_name, pin, card_uid, created_at FROM users WHERE id = $1`,
		id,
	))
}

// scanUser reads one user row, mapping sql.ErrNoRows to models.ErrNotFound.
func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.FullName, &u.PIN, &u.CardUID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// mapUniqueViolation translates a PostgreSQL unique-constraint error on
// the users table into the matching conflict error.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		switch pqErr.Constraint {
		case "users_pin_key":
			return models.NewConflict(models.DuplicatePIN, "PIN already in use")
		case "users_card_uid_key":
			return models.NewConflict(models.DuplicateCard, "card already in use")
		}
	}
	return fmt.Errorf("write user: %w", err)
}
