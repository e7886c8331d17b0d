package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HienTruongTHMH/Smart-Lock/internal/models"
)

// UserDirectory defines the directory operations required by the access
// service.
type UserDirectory interface {
	// FindByPIN returns the user holding the PIN, or models.ErrNotFound.
	FindByPIN(ctx context.Context, pin string) (*models.User, error)
	// FindByUID returns the user holding the card UID, or models.ErrNotFound.
	FindByUID(ctx context.Context, uid string) (*models.User, error)
	// List returns all users.
	List(ctx context.Context) ([]models.User, error)
	// AddCard assigns a card UID directly to a user.
	AddCard(ctx context.Context, userID int64, uid string) (*models.User, error)
	// RemoveCard clears a user's card UID.
	RemoveCard(ctx context.Context, userID int64) (*models.User, error)
}

// AccessLog defines the event-log operations required by the access
// service.
type AccessLog interface {
	// Record inserts one access event, resolving the user and IN/OUT toggle.
	Record(ctx context.Context, method, identifier string, success bool, at time.Time) (*models.AccessOutcome, error)
	// Recent returns the most recent events, newest first.
	Recent(ctx context.Context, limit int) ([]models.AccessEntry, error)
}

// AuthResult is the outcome of a device credential check.
type AuthResult struct {
	Valid  bool   `json:"valid"`
	User   string `json:"user,omitempty"`
	UserID int64  `json:"userId,omitempty"`
}

// LogResult is the outcome of recording an access event.
type LogResult struct {
	Logged bool   `json:"logged"`
	Action string `json:"action,omitempty"`
	User   string `json:"user,omitempty"`
	UserID int64  `json:"userId,omitempty"`
}

// UserSummary is one row of the user listing shown on the dashboard.
type UserSummary struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	UID         *string   `json:"uid"`
	HasPassword bool      `json:"hasPassword"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AccessService implements the lock surface: credential checks, access
// logging, and admin card management.
type AccessService struct {
	users  UserDirectory
	events AccessLog
	logger *zap.Logger
}

// NewAccessService constructs an AccessService.
func NewAccessService(users UserDirectory, events AccessLog, logger *zap.Logger) *AccessService {
	return &AccessService{users: users, events: events, logger: logger}
}

// CheckPIN validates a keypad PIN against the directory.
func (s *AccessService) CheckPIN(ctx context.Context, pin string) (*AuthResult, error) {
	user, err := s.users.FindByPIN(ctx, pin)
	if err == models.ErrNotFound {
		return &AuthResult{Valid: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &AuthResult{Valid: true, User: user.FullName, UserID: user.ID}, nil
}

// CheckUID validates a scanned card UID against the directory.
func (s *AccessService) CheckUID(ctx context.Context, uid string) (*AuthResult, error) {
	user, err := s.users.FindByUID(ctx, uid)
	if err == models.ErrNotFound {
		return &AuthResult{Valid: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &AuthResult{Valid: true, User: user.FullName, UserID: user.ID}, nil
}

// LogAccess records an access event. at is the device-reported unix
// timestamp; zero means the server clock. Failed attempts are logged
// without user resolution; successful ones derive the IN/OUT toggle from
// the user's last successful event.
func (s *AccessService) LogAccess(ctx context.Context, method, identifier string, success bool, at int64) (*LogResult, error) {
	when := time.Now().UTC()
	if at > 0 {
		when = time.Unix(at, 0).UTC()
	}

	res, err := s.events.Record(ctx, method, identifier, success, when)
	if err != nil {
		return nil, err
	}
	if !res.Logged {
		return &LogResult{Logged: false}, nil
	}

	s.logger.Info("access event",
		zap.String("user", res.User.FullName),
		zap.String("status", res.CheckStatus))
	return &LogResult{
		Logged: true,
		Action: res.CheckStatus,
		User:   res.User.FullName,
		UserID: res.User.ID,
	}, nil
}

// Users returns the directory listing for the dashboard.
func (s *AccessService) Users(ctx context.Context) ([]UserSummary, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]UserSummary, 0, len(users))
	for _, u := range users {
		summaries = append(summaries, UserSummary{
			ID:          u.ID,
			Name:        u.FullName,
			UID:         u.CardUID,
			HasPassword: u.PIN != "",
			CreatedAt:   u.CreatedAt,
		})
	}
	return summaries, nil
}

// RecentAccess returns up to limit recent access events, newest first.
func (s *AccessService) RecentAccess(ctx context.Context, limit int) ([]models.AccessEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.events.Recent(ctx, limit)
}

// AddCard assigns a card UID directly to an existing user (admin surface,
// outside the enrollment flow).
func (s *AccessService) AddCard(ctx context.Context, userID int64, uid string) (*models.PublicUser, error) {
	user, err := s.users.AddCard(ctx, userID, uid)
	if err != nil {
		return nil, err
	}
	pub := user.Public()
	return &pub, nil
}

// RemoveCard clears a user's card UID.
func (s *AccessService) RemoveCard(ctx context.Context, userID int64) (*models.PublicUser, error) {
	user, err := s.users.RemoveCard(ctx, userID)
	if err != nil {
		return nil, err
	}
	pub := user.Public()
	return &pub, nil
}
