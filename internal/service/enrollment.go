// Package service provides the business logic of the smart-lock backend:
// the enrollment gateway and the lock access surface, delegating
// persistence to repository interfaces.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/HienTruongTHMH/Smart-Lock/internal/enroll"
	"github.com/HienTruongTHMH/Smart-Lock/internal/models"
)

// ApplyRequest is one enrollment action with its parameters, as decoded
// from the request body. Which fields matter depends on the action.
type ApplyRequest struct {
	Action       string
	Profile      *models.Profile
	PIN          string
	UID          string
	TargetUserID int64
}

// ApplyResult is the outcome of a gateway transition.
type ApplyResult struct {
	// Session is the persisted session after the transition, including
	// rejected transitions that only updated the status message.
	Session models.Session
	// User is set when a terminal transition created or updated a user.
	User *models.PublicUser
}

// Payload shapes validated per action before any store access.
type (
	submitPasswordPayload struct {
		PIN string `validate:"required,len=4,numeric"`
	}
	submitCardPayload struct {
		UID string `validate:"required,max=50"`
	}
	startAddCardPayload struct {
		TargetUserID int64 `validate:"required,gt=0"`
	}
	startRegistrationPayload struct {
		DisplayName string `validate:"omitempty,max=100"`
	}
)

// EnrollmentService is the session gateway: it loads the session, applies
// one state-machine transition transactionally, persists the result, and
// reports it to the caller.
type EnrollmentService struct {
	store    models.SessionStore
	logger   *zap.Logger
	validate *validator.Validate
	// now is replaceable in tests.
	now func() time.Time
}

// NewEnrollmentService constructs an EnrollmentService over the given
// session store.
func NewEnrollmentService(store models.SessionStore, logger *zap.Logger) *EnrollmentService {
	return &EnrollmentService{
		store:    store,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Apply executes one enrollment action. Validation failures reject the
// request before any store access. Conflict rejections commit the updated
// status message so the device's next poll sees the explanation, then
// surface as *models.ConflictError. Storage failures roll everything back
// and surface as retryable errors.
func (s *EnrollmentService) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	action, ok := enroll.ParseAction(req.Action)
	if !ok {
		return nil, models.NewValidation("unknown action %q", req.Action)
	}
	if err := s.validatePayload(action, req); err != nil {
		return nil, err
	}

	payload := enroll.Payload{
		Profile:      req.Profile,
		PIN:          req.PIN,
		UID:          req.UID,
		TargetUserID: req.TargetUserID,
	}

	var (
		result   ApplyResult
		conflict error
	)
	err := s.store.InTx(ctx, func(tx models.SessionTx) error {
		cur, repaired, err := tx.Session(ctx)
		if err != nil {
			return err
		}
		if repaired {
			s.logger.Warn("repaired malformed session row",
				zap.String("action", string(action)))
		}

		next, effect, terr := enroll.Transition(ctx, cur, action, payload, tx, s.now().UTC())
		if terr != nil {
			if _, ok := models.AsConflict(terr); !ok {
				return terr
			}
			// Rejected transition: persist the status message update and
			// commit, reporting the conflict to the caller afterwards.
			if err := tx.Save(ctx, next); err != nil {
				return err
			}
			result.Session = next
			conflict = terr
			return nil
		}

		if effect != nil {
			user, err := applyEffect(ctx, tx, effect)
			if err != nil {
				return err
			}
			if user != nil {
				pub := user.Public()
				result.User = &pub
			}
		}

		if err := tx.Save(ctx, next); err != nil {
			return err
		}
		result.Session = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		return &result, conflict
	}

	s.logger.Info("session transition applied",
		zap.String("action", string(action)),
		zap.String("step", string(result.Session.Step)))
	return &result, nil
}

// applyEffect performs the directory write of a terminal transition inside
// the same transaction as the session update: either both persist or
// neither does.
func applyEffect(ctx context.Context, tx models.SessionTx, effect *enroll.Effect) (*models.User, error) {
	switch {
	case effect.CreateUser != nil:
		c := effect.CreateUser
		id, err := tx.NextUserID(ctx)
		if err != nil {
			return nil, err
		}
		name := enroll.GeneratedName(id)
		if c.Profile != nil && strings.TrimSpace(c.Profile.DisplayName) != "" {
			name = strings.TrimSpace(c.Profile.DisplayName)
		}
		user, err := tx.InsertUser(ctx, models.User{
			ID:       id,
			FullName: name,
			PIN:      c.PIN,
			CardUID:  c.UID,
		})
		if err != nil {
			return nil, err
		}
		return &user, nil
	case effect.AssignCard != nil:
		a := effect.AssignCard
		user, err := tx.AssignCardUID(ctx, a.UserID, a.UID)
		if err != nil {
			return nil, err
		}
		return &user, nil
	}
	return nil, nil
}

// validatePayload checks the action's parameters. A failure here means no
// state change and no store write.
func (s *EnrollmentService) validatePayload(action enroll.Action, req ApplyRequest) error {
	switch action {
	case enroll.ActionStartRegistration:
		if req.Profile != nil {
			if err := s.validate.Struct(startRegistrationPayload{DisplayName: req.Profile.DisplayName}); err != nil {
				return models.NewValidation("display name too long")
			}
		}
	case enroll.ActionSubmitPassword:
		if err := s.validate.Struct(submitPasswordPayload{PIN: req.PIN}); err != nil {
			return models.NewValidation("PIN must be exactly 4 digits")
		}
	case enroll.ActionSubmitCard:
		if err := s.validate.Struct(submitCardPayload{UID: req.UID}); err != nil {
			return models.NewValidation("card UID is required")
		}
	case enroll.ActionStartAddCard:
		if err := s.validate.Struct(startAddCardPayload{TargetUserID: req.TargetUserID}); err != nil {
			return models.NewValidation("target user id is required")
		}
	}
	return nil
}

// State returns the current session verbatim. This is the read contract
// the polling hardware relies on; every field may be stale by the time
// the device acts on it.
func (s *EnrollmentService) State(ctx context.Context) (models.Session, error) {
	return s.store.State(ctx)
}

// CancelStale cancels the active session when it has been running longer
// than maxAge. Returns true when a session was cancelled. This is the
// supervisory timeout policy layered on startedAt; the state machine
// itself stays timeout-agnostic.
func (s *EnrollmentService) CancelStale(ctx context.Context, maxAge time.Duration) (bool, error) {
	var cancelled bool
	err := s.store.InTx(ctx, func(tx models.SessionTx) error {
		cur, _, err := tx.Session(ctx)
		if err != nil {
			return err
		}
		if !cur.Active || cur.StartedAt == nil {
			return nil
		}
		if s.now().Sub(*cur.StartedAt) <= maxAge {
			return nil
		}
		next := models.NewWaitingSession()
		next.StatusMessage = "Enrollment timed out"
		if err := tx.Save(ctx, next); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		s.logger.Info("cancelled stale enrollment session",
			zap.Duration("maxAge", maxAge))
	}
	return cancelled, nil
}
