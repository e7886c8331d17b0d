package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/HienTruongTHMH/Smart-Lock/internal/models"
)

// PostgresUserRepository implements directory reads and the admin card
// operations used by the lock surface.
type PostgresUserRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresUserRepository creates a PostgresUserRepository with the
// given database connection.
func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{DB: db}
}

// FindByPIN returns the user holding the given PIN, or models.ErrNotFound.
func (r *PostgresUserRepository) FindByPIN(ctx context.Context, pin string) (*models.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		`SELECT id, full_name, pin, card_uid, created_at FROM users WHERE pin = $1`,
		pin,
	))
}

// FindByUID returns the user holding the given card UID, or models.ErrNotFound.
func (r *PostgresUserRepository) FindByUID(ctx context.Context, uid string) (*models.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		`SELECT id, full_name, pin, card_uid, created_at FROM users WHERE card_uid = $1`,
		uid,
	))
}

// List returns all users ordered by name.
func (r *PostgresUserRepository) List(ctx context.Context) ([]models.User, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, full_name, pin, card_uid, created_at FROM users ORDER BY full_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.FullName, &u.PIN, &u.CardUID, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AddCard assigns a card UID directly to a user, outside the enrollment
// flow. The eligibility check and the write are one guarded statement,
// and the unique constraint on card_uid backs the cross-user check, so a
// racing writer is rejected rather than overwritten.
func (r *PostgresUserRepository) AddCard(ctx context.Context, userID int64, uid string) (*models.User, error) {
	var u models.User
	err := r.DB.QueryRowContext(ctx,
		`UPDATE users SET card_uid = $1
		 WHERE id = $2 AND card_uid IS NULL
		 RETURNING id, full_name, pin, card_uid, created_at`,
		uid, userID,
	).Scan(&u.ID, &u.FullName, &u.PIN, &u.CardUID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		// Distinguish a missing user from one that already has a card.
		existing, lerr := scanUser(r.DB.QueryRowContext(ctx,
			`SELECT id, full_name, pin, card_uid, created_at FROM users WHERE id = $1`,
			userID,
		))
		if lerr != nil {
			return nil, lerr
		}
		return nil, models.NewConflict(models.TargetAlreadyHasCard,
			"%s already has a card", existing.FullName)
	}
	if err != nil {
		mapped := mapUniqueViolation(err)
		if ce, ok := models.AsConflict(mapped); ok && ce.Code == models.DuplicateCard {
			// Name the current owner in the rejection, as the device
			// prompt does during enrollment.
			if owner, lerr := r.FindByUID(ctx, uid); lerr == nil {
				return nil, models.NewConflict(models.DuplicateCard,
					"card already assigned to %s", owner.FullName)
			}
		}
		return nil, mapped
	}
	return &u, nil
}

// RemoveCard clears a user's card UID. Returns models.ErrNotFound when
// the user does not exist.
func (r *PostgresUserRepository) RemoveCard(ctx context.Context, userID int64) (*models.User, error) {
	var u models.User
	err := r.DB.QueryRowContext(ctx,
		`UPDATE users SET card_uid = NULL WHERE id = $1
		 RETURNING id, full_name, pin, card_uid, created_at`,
		userID,
	).Scan(&u.ID, &u.FullName, &u.PIN, &u.CardUID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("remove card: %w", err)
	}
	return &u, nil
}
