package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/HienTruongTHMH/Smart-Lock/internal/models"
)

// Access methods accepted by the device.
const (
	MethodPassword = "password"
	MethodRFID     = "rfid"
)

// PostgresAccessRepository records and queries the access log.
type PostgresAccessRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresAccessRepository creates a PostgresAccessRepository using
// the provided *sql.DB.
func NewPostgresAccessRepository(db *sql.DB) *PostgresAccessRepository {
	return &PostgresAccessRepository{DB: db}
}

// Record inserts one access event. For a successful event it resolves the
// user from the credential, derives the IN/OUT toggle from the user's last
// successful event, and writes the fully resolved row in one transaction.
// The resolving read locks the user row, so two concurrent events for the
// same user serialize and cannot both derive the same toggle.
func (r *PostgresAccessRepository) Record(ctx context.Context, method, identifier string, success bool, at time.Time) (*models.AccessOutcome, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var user *models.User
	if success {
		user, err = resolveUser(ctx, tx, method, identifier)
		if err != nil {
			return nil, err
		}
	}

	result := &models.AccessOutcome{}
	var userID *int64
	var status *string
	if user != nil {
		last, err := lastCheckStatus(ctx, tx, user.ID)
		if err != nil {
			return nil, err
		}
		next := models.CheckIn
		if last == models.CheckIn {
			next = models.CheckOut
		}
		userID = &user.ID
		status = &next
		result.Logged = true
		result.CheckStatus = next
		result.User = user
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO access_log (user_id, method, identifier, success, check_status, logged_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, method, identifier, success, status, at,
	); err != nil {
		return nil, fmt.Errorf("insert access event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// resolveUser finds the user matching a successful credential, or nil
// when the credential does not map to anyone. The row is locked FOR UPDATE
// so the toggle derived from it stays valid until the event commits.
func resolveUser(ctx context.Context, tx *sql.Tx, method, identifier string) (*models.User, error) {
	var query string
	switch method {
	case MethodPassword:
		query = `SELECT id, full_name, pin, card_uid, created_at FROM users WHERE pin = $1 FOR UPDATE`
	case MethodRFID:
		query = `SELECT id, full_name, pin, card_uid, created_at FROM users WHERE card_uid = $1 FOR UPDATE`
	default:
		return nil, nil
	}
	u, err := scanUser(tx.QueryRowContext(ctx, query, identifier))
	if err == models.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// lastCheckStatus returns the check status of the user's most recent
// successful event, or "" when there is none.
func lastCheckStatus(ctx context.Context, tx *sql.Tx, userID int64) (string, error) {
	var status sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT check_status FROM access_log
		 WHERE user_id = $1 AND success = true
		 ORDER BY logged_at DESC LIMIT 1`,
		userID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last check status: %w", err)
	}
	return status.String, nil
}

// Recent returns the most recent access events joined with user names,
// newest first.
func (r *PostgresAccessRepository) Recent(ctx context.Context, limit int) ([]models.AccessEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT al.id, al.user_id, al.method, al.identifier, al.success,
		        al.check_status, al.logged_at, COALESCE(u.full_name, 'Unknown')
		   FROM access_log al
		   LEFT JOIN users u ON al.user_id = u.id
		  ORDER BY al.logged_at DESC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query access log: %w", err)
	}
	defer rows.Close()

	var entries []models.AccessEntry
	for rows.Next() {
		var e models.AccessEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Method, &e.Identifier,
			&e.Success, &e.CheckStatus, &e.LoggedAt, &e.UserName); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
