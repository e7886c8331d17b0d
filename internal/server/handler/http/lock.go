package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/HienTruongTHMH/Smart-Lock/internal/models"
	"github.com/HienTruongTHMH/Smart-Lock/internal/service"
)

// LockService defines the lock-surface operations required by the
// LockHandler.
type LockService interface {
	CheckPIN(ctx context.Context, pin string) (*service.AuthResult, error)
	CheckUID(ctx context.Context, uid string) (*service.AuthResult, error)
	LogAccess(ctx context.Context, method, identifier string, success bool, at int64) (*service.LogResult, error)
	Users(ctx context.Context) ([]service.UserSummary, error)
	RecentAccess(ctx context.Context, limit int) ([]models.AccessEntry, error)
	AddCard(ctx context.Context, userID int64, uid string) (*models.PublicUser, error)
	RemoveCard(ctx context.Context, userID int64) (*models.PublicUser, error)
}

// LockHandler handles the device and dashboard surface: credential
// checks, access logging, data retrieval, and admin card management.
// Like the firmware expects, one endpoint dispatches on an action name,
// taken from the query string on GET and from the body on POST.
type LockHandler struct {
	Access LockService
}

// lockRequest is the flat action body of the lock surface.
type lockRequest struct {
	Action     string `json:"action"`
	Password   string `json:"password"`
	UID        string `json:"uid"`
	Method     string `json:"method"`
	Identifier string `json:"identifier"`
	Success    *bool  `json:"success"`
	Timestamp  int64  `json:"timestamp"`
	UserID     int64  `json:"userId"`
	Limit      int    `json:"limit"`
}

// Handle dispatches one lock-surface action.
func (h *LockHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.Action = q.Get("action")
		req.Limit, _ = strconv.Atoi(q.Get("limit"))
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action parameter is required")
		return
	}

	ctx := r.Context()
	switch req.Action {
	case "check_password":
		h.checkPassword(ctx, w, req)
	case "check_uid":
		h.checkUID(ctx, w, req)
	case "log_access":
		h.logAccess(ctx, w, req)
	case "get_users":
		h.getUsers(ctx, w)
	case "get_access_log":
		h.getAccessLog(ctx, w, req)
	case "add_card":
		h.addCard(ctx, w, req)
	case "remove_card":
		h.removeCard(ctx, w, req)
	case "test_connection":
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"message":   "connection OK",
			"timestamp": time.Now().UTC(),
		})
	default:
		writeError(w, http.StatusBadRequest, "invalid action: "+req.Action)
	}
}

func (h *LockHandler) checkPassword(ctx context.Context, w http.ResponseWriter, req lockRequest) {
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}
	res, err := h.Access.CheckPIN(ctx, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *LockHandler) checkUID(ctx context.Context, w http.ResponseWriter, req lockRequest) {
	if req.UID == "" {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}
	res, err := h.Access.CheckUID(ctx, req.UID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *LockHandler) logAccess(ctx context.Context, w http.ResponseWriter, req lockRequest) {
	if req.Method == "" || req.Identifier == "" || req.Success == nil {
		writeError(w, http.StatusBadRequest, "method, identifier, and success are required")
		return
	}
	res, err := h.Access.LogAccess(ctx, req.Method, req.Identifier, *req.Success, req.Timestamp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *LockHandler) getUsers(ctx context.Context, w http.ResponseWriter) {
	users, err := h.Access.Users(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "users": users})
}

func (h *LockHandler) getAccessLog(ctx context.Context, w http.ResponseWriter, req lockRequest) {
	logs, err := h.Access.RecentAccess(ctx, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "logs": logs})
}

func (h *LockHandler) addCard(ctx context.Context, w http.ResponseWriter, req lockRequest) {
	if req.UID == "" || req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "uid and userId are required")
		return
	}
	user, err := h.Access.AddCard(ctx, req.UserID, req.UID)
	if err != nil {
		writeLockError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "card added successfully",
		"user":    user,
	})
}

func (h *LockHandler) removeCard(ctx context.Context, w http.ResponseWriter, req lockRequest) {
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	user, err := h.Access.RemoveCard(ctx, req.UserID)
	if err != nil {
		writeLockError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "card removed successfully",
		"user":    user,
	})
}

// writeLockError maps domain errors of the card-management actions to the
// status codes the dashboard expects.
func writeLockError(w http.ResponseWriter, err error) {
	if err == models.ErrNotFound {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if ce, ok := models.AsConflict(err); ok {
		writeError(w, http.StatusBadRequest, ce.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

// writeError writes the lock surface's error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
