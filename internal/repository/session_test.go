package repository

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/HienTruongTHMH/Smart-Lock/internal/models"
)

const (
	selectSessionForUpdate = `SELECT value FROM system_state WHERE key = $1 FOR UPDATE`
	selectSession          = `SELECT value FROM system_state WHERE key = $1`
	updateSession          = `UPDATE system_state SET value = $1, updated_at = CURRENT_TIMESTAMP WHERE key = $2`
)

func setupSessionMock(t *testing.T) (*PostgresSessionRepository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	repo := NewPostgresSessionRepository(db)
	cleanup := func() { db.Close() }
	return repo, mock, cleanup
}

func sessionRow(t *testing.T, value string) *sqlmock.Rows {
	t.Helper()
	return sqlmock.NewRows([]string{"value"}).AddRow([]byte(value))
}

func TestInTx_CommitsOnSuccess(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(tx models.SessionTx) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("boom")
	err := repo.InTx(context.Background(), func(tx models.SessionTx) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSession_LoadsExistingRow(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	value := `{"active":true,"step":"password_set","pendingPin":"1234","startedAt":"2024-05-01T12:00:00Z"}`
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectSessionForUpdate)).
		WithArgs(sessionKey).
		WillReturnRows(sessionRow(t, value))
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(tx models.SessionTx) error {
		sess, repaired, err := tx.Session(context.Background())
		if err != nil {
			return err
		}
		if repaired {
			t.Error("well-formed session must not be repaired")
		}
		if sess.Step != models.StepPasswordSet || sess.PendingPIN != "1234" {
			t.Errorf("unexpected session: %+v", sess)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSession_InitializesOnFirstRun(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectSessionForUpdate)).
		WithArgs(sessionKey).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO system_state (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`)).
		WithArgs(sessionKey, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(selectSessionForUpdate)).
		WithArgs(sessionKey).
		WillReturnRows(sessionRow(t, `{"active":false,"step":"waiting"}`))
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(tx models.SessionTx) error {
		sess, _, err := tx.Session(context.Background())
		if err != nil {
			return err
		}
		if sess.Active || sess.Step != models.StepWaiting {
			t.Errorf("expected WAITING baseline, got %+v", sess)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSession_RepairsCorruptRow(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	tests := []struct {
		name  string
		value string
	}{
		{"not json", `this is not json`},
		{"unknown step", `{"active":true,"step":"exploded"}`},
		{"inconsistent flags", `{"active":true,"step":"waiting"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta(selectSessionForUpdate)).
				WithArgs(sessionKey).
				WillReturnRows(sessionRow(t, tt.value))
			mock.ExpectCommit()

			err := repo.InTx(context.Background(), func(tx models.SessionTx) error {
				sess, repaired, err := tx.Session(context.Background())
				if err != nil {
					return err
				}
				if !repaired {
					t.Error("expected corrupt session to be repaired")
				}
				if sess.Active || sess.Step != models.StepWaiting {
					t.Errorf("expected WAITING baseline, got %+v", sess)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSave_PersistsSession(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(updateSession)).
		WithArgs(sqlmock.AnyArg(), sessionKey).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sess := models.NewWaitingSession()
	sess.StatusMessage = "Registration complete"
	err := repo.InTx(context.Background(), func(tx models.SessionTx) error {
		return tx.Save(context.Background(), sess)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestNextUserID(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(id), 0) + 1 FROM users`)).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(8))
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(tx models.SessionTx) error {
		id, err := tx.NextUserID(context.Background())
		if err != nil {
			return err
		}
		if id != 8 {
			t.Errorf("id = %d, want 8", id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInsertUser_MapsUniqueViolations(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	tests := []struct {
		name       string
		constraint string
		wantCode   models.ConflictCode
	}{
		{"pin taken", "users_pin_key", models.DuplicatePIN},
		{"card taken", "users_card_uid_key", models.DuplicateCard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users (id, full_name, pin, card_uid)`)).
				WillReturnError(&pq.Error{Code: "23505", Constraint: tt.constraint})
			mock.ExpectRollback()

			err := repo.InTx(context.Background(), func(tx models.SessionTx) error {
				_, err := tx.InsertUser(context.Background(), models.User{
					ID: 1, FullName: "Alice", PIN: "1234",
				})
				return err
			})
			ce, ok := models.AsConflict(err)
			if !ok {
				t.Fatalf("expected conflict, got %v", err)
			}
			if ce.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", ce.Code, tt.wantCode)
			}
		})
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInsertUser_ReturnsCreatedAt(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users (id, full_name, pin, card_uid)`)).
		WithArgs(int64(5), "Alice", "1234", nil).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(tx models.SessionTx) error {
		u, err := tx.InsertUser(context.Background(), models.User{
			ID: 5, FullName: "Alice", PIN: "1234",
		})
		if err != nil {
			return err
		}
		if !u.CreatedAt.Equal(created) {
			t.Errorf("createdAt = %v, want %v", u.CreatedAt, created)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAssignCardUID_IneligibleTarget(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users SET card_uid = $1`)).
		WithArgs("AABBCC", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "pin", "card_uid", "created_at"}))
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx models.SessionTx) error {
		_, err := tx.AssignCardUID(context.Background(), 7, "AABBCC")
		return err
	})
	ce, ok := models.AsConflict(err)
	if !ok {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.Code != models.TargetAlreadyHasCard {
		t.Errorf("code = %s, want %s", ce.Code, models.TargetAlreadyHasCard)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// A directory write followed by a failed session save must roll back as
// one unit: no user row may outlive a failed session reset.
func TestInTx_DirectoryWriteAndSaveAreAtomic(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users (id, full_name, pin, card_uid)`)).
		WithArgs(int64(2), "Alice", "1234", nil).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(regexp.QuoteMeta(updateSession)).
		WillReturnError(errors.New("connection lost"))
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx models.SessionTx) error {
		if _, err := tx.InsertUser(context.Background(), models.User{
			ID: 2, FullName: "Alice", PIN: "1234",
		}); err != nil {
			return err
		}
		return tx.Save(context.Background(), models.NewWaitingSession())
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPINInUse_WrapsQueryError(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM users WHERE pin = $1)`)).
		WithArgs("1234").
		WillReturnError(errors.New("connection lost"))
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx models.SessionTx) error {
		_, err := tx.PINInUse(context.Background(), "1234")
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "check pin") {
		t.Fatalf("error = %v, want wrapped check pin error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestState_DefaultsWhenMissing(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(selectSession)).
		WithArgs(sessionKey).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	sess, err := repo.State(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Active || sess.Step != models.StepWaiting {
		t.Errorf("expected WAITING baseline, got %+v", sess)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestState_ReturnsCurrentSession(t *testing.T) {
	repo, mock, cleanup := setupSessionMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(selectSession)).
		WithArgs(sessionKey).
		WillReturnRows(sessionRow(t, `{"active":true,"step":"add_card","targetUserId":7,"statusMessage":"scan"}`))

	sess, err := repo.State(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Step != models.StepAddCard || sess.TargetUserID == nil || *sess.TargetUserID != 7 {
		t.Errorf("unexpected session: %+v", sess)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
