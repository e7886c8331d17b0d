// Package enroll implements the enrollment session state machine: pure
// transition logic that, given the current session and an actor's action,
// computes the next session and the directory write the gateway must apply
// in the same transaction.
package enroll

import (
	"context"
	"fmt"
	"time"

	"github.com/HienTruongTHMH/Smart-Lock/internal/models"
)

// Action identifies a session transition requested by a caller.
type Action string

const (
	// ActionStartRegistration begins enrolling a new user.
	ActionStartRegistration Action = "start_registration"
	// ActionSubmitPassword stages the PIN typed on the device keypad.
	ActionSubmitPassword Action = "submit_password"
	// ActionSubmitCard stages the scanned card UID and commits.
	ActionSubmitCard Action = "submit_card"
	// ActionCompleteWithoutCard commits the enrollment with no card.
	ActionCompleteWithoutCard Action = "complete_without_card"
	// ActionStartAddCard begins adding a card to an existing user.
	ActionStartAddCard Action = "start_add_card"
	// ActionCancel discards the in-progress session.
	ActionCancel Action = "cancel"
)

// ParseAction resolves an action name, including the legacy aliases the
// original device firmware posts for cancellation.
func ParseAction(name string) (Action, bool) {
	switch name {
	case string(ActionStartRegistration), string(ActionSubmitPassword),
		string(ActionSubmitCard), string(ActionCompleteWithoutCard),
		string(ActionStartAddCard), string(ActionCancel):
		return Action(name), true
	case "cancel_registration", "cancel_add_card":
		return ActionCancel, true
	}
	return "", false
}

// Payload carries the action parameters after transport-level validation.
type Payload struct {
	Profile      *models.Profile
	PIN          string
	UID          string
	TargetUserID int64
}

// Directory is the read view of the user table the machine consults for
// uniqueness guards. The gateway backs it with the open transaction so
// every guard runs at commit isolation.
type Directory interface {
	// PINInUse reports whether any committed user holds the given PIN.
	PINInUse(ctx context.Context, pin string) (bool, error)
	// CardOwner returns the user holding the given card UID, or
	// models.ErrNotFound when the card is unassigned.
	CardOwner(ctx context.Context, uid string) (*models.User, error)
	// UserByID returns the user with the given id, or models.ErrNotFound.
	UserByID(ctx context.Context, id int64) (*models.User, error)
}

// CreateUser is the terminal directory write of a registration commit.
type CreateUser struct {
	Profile *models.Profile
	PIN     string
	UID     *string
}

// AssignCard is the terminal directory write of a card-add commit.
type AssignCard struct {
	UserID int64
	UID    string
}

// Effect is the directory write a transition requires. At most one of the
// fields is set; a nil Effect means the transition touches only the session.
type Effect struct {
	CreateUser *CreateUser
	AssignCard *AssignCard
}

// GeneratedName synthesizes a display name from the assigned user id when
// no profile was supplied at session start. Deterministic and
// collision-free because the id itself is unique.
func GeneratedName(id int64) string {
	return fmt.Sprintf("User%03d", id)
}

// Transition computes the successor of cur for the given action. It never
// mutates cur. On a conflict it returns the session to persist (possibly
// with an updated status message) together with a *models.ConflictError;
// the gateway persists that session even though the action was rejected,
// so the device's next poll sees the explanation.
func Transition(ctx context.Context, cur models.Session, action Action, p Payload, dir Directory, now time.Time) (models.Session, *Effect, error) {
	switch action {
	case ActionStartRegistration:
		return startRegistration(cur, p, now)
	case ActionSubmitPassword:
		return submitPassword(ctx, cur, p, dir)
	case ActionSubmitCard:
		return submitCard(ctx, cur, p, dir)
	case ActionCompleteWithoutCard:
		return completeWithoutCard(ctx, cur, dir)
	case ActionStartAddCard:
		return startAddCard(ctx, cur, p, dir, now)
	case ActionCancel:
		return cancel()
	}
	return cur, nil, models.NewValidation("unknown action %q", action)
}

func startRegistration(cur models.Session, p Payload, now time.Time) (models.Session, *Effect, error) {
	if cur.Active {
		return cur, nil, models.NewConflict(models.SessionBusy,
			"another enrollment is already in progress")
	}
	next := models.Session{
		Active:         true,
		Step:           models.StepPasswordInput,
		PendingProfile: p.Profile,
		StartedAt:      &now,
		StatusMessage:  "Enter a 4-digit PIN on the keypad",
	}
	return next, nil, nil
}

func submitPassword(ctx context.Context, cur models.Session, p Payload, dir Directory) (models.Session, *Effect, error) {
	if !cur.Active {
		return cur, nil, models.NewConflict(models.NoActiveSession,
			"no enrollment in progress")
	}
	if cur.Step != models.StepPasswordInput {
		return cur, nil, models.NewConflict(models.WrongStep,
			"not expecting a PIN at step %s", cur.Step)
	}
	used, err := dir.PINInUse(ctx, p.PIN)
	if err != nil {
		return cur, nil, fmt.Errorf("check pin: %w", err)
	}
	if used {
		next := cur
		next.StatusMessage = "PIN already in use, try another"
		return next, nil, models.NewConflict(models.DuplicatePIN,
			"PIN already in use")
	}
	next := cur
	next.Step = models.StepPasswordSet
	next.PendingPIN = p.PIN
	next.StatusMessage = "PIN accepted. Scan a card or press # to skip"
	return next, nil, nil
}

func submitCard(ctx context.Context, cur models.Session, p Payload, dir Directory) (models.Session, *Effect, error) {
	switch cur.Step {
	case models.StepPasswordSet:
		return commitRegistration(ctx, cur, &p.UID, dir)
	case models.StepAddCard:
		return commitAddCard(ctx, cur, p.UID, dir)
	}
	// The loser of a concurrent commit on the same card reloads the
	// winner's reset session. Report the card as taken, naming the owner,
	// rather than a confusing "no enrollment in progress".
	owner, err := dir.CardOwner(ctx, p.UID)
	if err != nil && err != models.ErrNotFound {
		return cur, nil, fmt.Errorf("check card: %w", err)
	}
	if err == nil {
		next := cur
		next.StatusMessage = fmt.Sprintf("Card already assigned to %s", owner.FullName)
		return next, nil, models.NewConflict(models.DuplicateCard,
			"card already assigned to %s", owner.FullName)
	}
	if !cur.Active {
		return cur, nil, models.NewConflict(models.NoActiveSession,
			"no enrollment in progress")
	}
	return cur, nil, models.NewConflict(models.WrongStep,
		"not expecting a card at step %s", cur.Step)
}

func completeWithoutCard(ctx context.Context, cur models.Session, dir Directory) (models.Session, *Effect, error) {
	if !cur.Active {
		return cur, nil, models.NewConflict(models.NoActiveSession,
			"no enrollment in progress")
	}
	if cur.Step != models.StepPasswordSet || cur.PendingPIN == "" {
		return cur, nil, models.NewConflict(models.WrongStep,
			"PIN not set yet")
	}
	return commitRegistration(ctx, cur, nil, dir)
}

// commitRegistration re-validates both staged credentials against the
// directory at commit isolation: another writer may have committed between
// the earlier check and now.
func commitRegistration(ctx context.Context, cur models.Session, uid *string, dir Directory) (models.Session, *Effect, error) {
	if uid != nil {
		owner, err := dir.CardOwner(ctx, *uid)
		if err != nil && err != models.ErrNotFound {
			return cur, nil, fmt.Errorf("check card: %w", err)
		}
		if err == nil {
			next := cur
			next.StatusMessage = fmt.Sprintf("Card already assigned to %s", owner.FullName)
			return next, nil, models.NewConflict(models.DuplicateCard,
				"card already assigned to %s", owner.FullName)
		}
	}
	used, err := dir.PINInUse(ctx, cur.PendingPIN)
	if err != nil {
		return cur, nil, fmt.Errorf("recheck pin: %w", err)
	}
	if used {
		// The staged PIN was taken by a concurrent commit. Step back so
		// the device asks for a new one.
		next := cur
		next.Step = models.StepPasswordInput
		next.PendingPIN = ""
		next.StatusMessage = "PIN no longer available, enter a new PIN"
		return next, nil, models.NewConflict(models.DuplicatePIN,
			"PIN no longer available")
	}

	eff := &Effect{CreateUser: &CreateUser{
		Profile: cur.PendingProfile,
		PIN:     cur.PendingPIN,
		UID:     uid,
	}}
	next := models.NewWaitingSession()
	next.StatusMessage = "Registration complete"
	return next, eff, nil
}

func commitAddCard(ctx context.Context, cur models.Session, uid string, dir Directory) (models.Session, *Effect, error) {
	owner, err := dir.CardOwner(ctx, uid)
	if err != nil && err != models.ErrNotFound {
		return cur, nil, fmt.Errorf("check card: %w", err)
	}
	if err == nil {
		next := cur
		next.StatusMessage = fmt.Sprintf("Card already assigned to %s", owner.FullName)
		return next, nil, models.NewConflict(models.DuplicateCard,
			"card already assigned to %s", owner.FullName)
	}

	target, err := dir.UserByID(ctx, *cur.TargetUserID)
	if err == models.ErrNotFound {
		return cur, nil, models.NewConflict(models.TargetUserNotFound,
			"user %d no longer exists", *cur.TargetUserID)
	}
	if err != nil {
		return cur, nil, fmt.Errorf("load target user: %w", err)
	}
	if target.CardUID != nil && *target.CardUID != "" {
		return cur, nil, models.NewConflict(models.TargetAlreadyHasCard,
			"%s already has a card", target.FullName)
	}

	eff := &Effect{AssignCard: &AssignCard{UserID: target.ID, UID: uid}}
	next := models.NewWaitingSession()
	next.StatusMessage = fmt.Sprintf("Card added for %s", target.FullName)
	return next, eff, nil
}

func startAddCard(ctx context.Context, cur models.Session, p Payload, dir Directory, now time.Time) (models.Session, *Effect, error) {
	if cur.Active {
		return cur, nil, models.NewConflict(models.SessionBusy,
			"another enrollment is already in progress")
	}
	target, err := dir.UserByID(ctx, p.TargetUserID)
	if err == models.ErrNotFound {
		return cur, nil, models.NewConflict(models.TargetUserNotFound,
			"user %d not found", p.TargetUserID)
	}
	if err != nil {
		return cur, nil, fmt.Errorf("load target user: %w", err)
	}
	if target.CardUID != nil && *target.CardUID != "" {
		return cur, nil, models.NewConflict(models.TargetAlreadyHasCard,
			"%s already has a card", target.FullName)
	}
	id := target.ID
	next := models.Session{
		Active:        true,
		Step:          models.StepAddCard,
		TargetUserID:  &id,
		StartedAt:     &now,
		StatusMessage: fmt.Sprintf("Scan a card to assign to %s", target.FullName),
	}
	return next, nil, nil
}

// cancel is unconditional and idempotent: cancelling an idle session is
// not an error, it just yields the same WAITING session again.
func cancel() (models.Session, *Effect, error) {
	next := models.NewWaitingSession()
	next.StatusMessage = "Enrollment cancelled"
	return next, nil, nil
}
