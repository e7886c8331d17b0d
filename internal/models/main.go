// Package models defines the core data structures for the smart-lock
// service: enrolled users, the enrollment session record, and the
// domain error taxonomy shared by all layers.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Step identifies the current stage of the enrollment session.
type Step string

const (
	// StepWaiting means no enrollment or card-add is in progress.
	StepWaiting Step = "waiting"
	// StepPasswordInput means the device should collect a 4-digit PIN.
	StepPasswordInput Step = "password_input"
	// StepPasswordSet means the PIN is staged; the device should scan a
	// card or complete without one.
	StepPasswordSet Step = "password_set"
	// StepAddCard means a card is being added to an existing user.
	StepAddCard Step = "add_card"
)

// User represents an enrolled user of the lock.
type User struct {
	// ID is assigned at commit time as max(existing ids)+1 and never reused.
	ID int64 `json:"id"`
	// FullName is the display name shown on the dashboard and device.
	FullName string `json:"name"`
	// PIN is the 4-digit keypad credential, unique across users.
	PIN string `json:"-"`
	// CardUID is the RFID card identifier, nil when no card is assigned.
	CardUID *string `json:"uid"`
	// CreatedAt is the time the user row was committed.
	CreatedAt time.Time `json:"createdAt"`
}

// PublicUser is the subset of User returned to callers on a successful
// enrollment or card-add commit.
type PublicUser struct {
	ID   int64   `json:"id"`
	Name string  `json:"displayName"`
	UID  *string `json:"uid"`
}

// Public returns the caller-visible fields of the user.
func (u *User) Public() PublicUser {
	return PublicUser{ID: u.ID, Name: u.FullName, UID: u.CardUID}
}

// Profile carries user-supplied metadata captured when a registration
// starts, used to name the new user at commit time.
type Profile struct {
	DisplayName string `json:"displayName"`
}

// Session is the singleton record tracking an in-progress enrollment or
// card-addition workflow. It is persisted as a single JSONB row and is
// the sole synchronization point between the admin surface and the
// polling hardware.
type Session struct {
	Active         bool       `json:"active"`
	Step           Step       `json:"step"`
	TargetUserID   *int64     `json:"targetUserId,omitempty"`
	PendingProfile *Profile   `json:"pendingProfile,omitempty"`
	PendingPIN     string     `json:"pendingPin,omitempty"`
	PendingUID     string     `json:"pendingUid,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	StatusMessage  string     `json:"statusMessage,omitempty"`
}

// NewWaitingSession returns the default idle session.
func NewWaitingSession() Session {
	return Session{Active: false, Step: StepWaiting}
}

// validStep reports whether s is one of the four known steps.
func validStep(s Step) bool {
	switch s {
	case StepWaiting, StepPasswordInput, StepPasswordSet, StepAddCard:
		return true
	}
	return false
}

// Normalize repairs a session loaded from storage. A malformed persisted
// session must never crash the gateway: any shape the state machine could
// not have produced degrades to the WAITING baseline, keeping only the
// status message. It returns true when a repair was applied.
func (s *Session) Normalize() bool {
	ok := validStep(s.Step) &&
		(s.Active == (s.Step != StepWaiting))

	// The card UID is never staged: it is submitted and committed in one
	// transition, so a persisted PendingUID is malformed at every step.
	ok = ok && s.PendingUID == ""

	switch s.Step {
	case StepWaiting:
		ok = ok && s.TargetUserID == nil && s.PendingProfile == nil &&
			s.PendingPIN == "" && s.StartedAt == nil
	case StepPasswordInput:
		ok = ok && s.PendingPIN == "" && s.TargetUserID == nil
	case StepPasswordSet:
		ok = ok && s.PendingPIN != "" && s.TargetUserID == nil
	case StepAddCard:
		ok = ok && s.TargetUserID != nil &&
			s.PendingPIN == "" && s.PendingProfile == nil
	}

	if ok {
		return false
	}
	msg := s.StatusMessage
	*s = NewWaitingSession()
	s.StatusMessage = msg
	return true
}

// ErrNotFound is returned by repositories when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ConflictCode identifies an expected, user-facing rejection of an action.
type ConflictCode string

const (
	// DuplicatePIN means the submitted PIN already belongs to a user.
	DuplicatePIN ConflictCode = "duplicate_pin"
	// DuplicateCard means the scanned card already belongs to a user.
	DuplicateCard ConflictCode = "duplicate_card"
	// SessionBusy means another enrollment is already in progress.
	SessionBusy ConflictCode = "session_busy"
	// TargetUserNotFound means the card-add target does not exist.
	TargetUserNotFound ConflictCode = "target_user_not_found"
	// TargetAlreadyHasCard means the card-add target already has a card.
	TargetAlreadyHasCard ConflictCode = "target_already_has_card"
	// NoActiveSession means the action requires an active session.
	NoActiveSession ConflictCode = "no_active_session"
	// WrongStep means the action is not valid at the current step.
	WrongStep ConflictCode = "wrong_step"
)

// ConflictError is an expected rejection: the action was understood but
// refused by a state-machine guard. It is a normal workflow outcome, not
// a failure to crash on.
type ConflictError struct {
	Code ConflictCode
	// Message is the human-readable explanation surfaced to the device.
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewConflict constructs a ConflictError with the given code and message.
func NewConflict(code ConflictCode, format string, args ...any) *ConflictError {
	return &ConflictError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ValidationError means the payload was malformed. No state change and no
// store write happens for a validation error.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidation constructs a ValidationError.
func NewValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// AsConflict extracts a ConflictError from err, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// AsValidation extracts a ValidationError from err, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// AccessEntry is one row of the access log, joined with the resolved
// user's name for reporting.
type AccessEntry struct {
	ID          int64     `json:"id"`
	UserID      *int64    `json:"userId"`
	Method      string    `json:"method"`
	Identifier  string    `json:"identifier"`
	Success     bool      `json:"success"`
	CheckStatus *string   `json:"checkStatus"`
	LoggedAt    time.Time `json:"timestamp"`
	UserName    string    `json:"user"`
}

// Check statuses recorded on successful access events.
const (
	CheckIn  = "IN"
	CheckOut = "OUT"
)

// AccessOutcome reports how an access event was recorded.
type AccessOutcome struct {
	// Logged is true when the event resolved to a known user.
	Logged bool
	// CheckStatus is IN or OUT for a resolved successful event.
	CheckStatus string
	// User is the resolved user, nil for failed or unresolved events.
	User *User
}
