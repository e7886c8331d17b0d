// Package http provides the HTTP handlers of the smart-lock API: the
// enrollment session gateway and the lock access surface.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/HienTruongTHMH/Smart-Lock/internal/models"
	"github.com/HienTruongTHMH/Smart-Lock/internal/service"
)

// EnrollmentGateway defines the enrollment operations required by the
// SessionHandler.
type EnrollmentGateway interface {
	// Apply executes one enrollment action transactionally.
	Apply(ctx context.Context, req service.ApplyRequest) (*service.ApplyResult, error)
	// State returns the current session verbatim.
	State(ctx context.Context) (models.Session, error)
}

// SessionHandler handles the enrollment session endpoints: the device's
// read-only poll and the action dispatch shared by the web admin and the
// device.
type SessionHandler struct {
	Enrollment EnrollmentGateway
}

// sessionActionRequest is the flat action body posted by the web admin
// and the device. userData and password are aliases kept for the original
// firmware's field names.
type sessionActionRequest struct {
	Action       string          `json:"action"`
	Profile      *models.Profile `json:"profile"`
	UserData     *models.Profile `json:"userData"`
	PIN          string          `json:"pin"`
	Password     string          `json:"password"`
	UID          string          `json:"uid"`
	TargetUserID int64           `json:"targetUserId"`
}

// sessionResponse is the gateway's response envelope.
type sessionResponse struct {
	Success       bool               `json:"success"`
	Session       *models.Session    `json:"session,omitempty"`
	User          *models.PublicUser `json:"user,omitempty"`
	Error         string             `json:"error,omitempty"`
	StatusMessage string             `json:"statusMessage,omitempty"`
}

// State handles GET /api/session. It returns the session verbatim; the
// polling device renders its next screen from this and must treat every
// field as possibly stale by the time it acts.
func (h *SessionHandler) State(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Enrollment.State(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			sessionResponse{Success: false, Error: "storage unavailable, retry"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Apply handles POST /api/session. Conflicts are expected workflow
// outcomes and return 200 with success=false; only storage failures
// produce a 5xx.
func (h *SessionHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req sessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		writeJSON(w, http.StatusBadRequest,
			sessionResponse{Success: false, Error: "action is required"})
		return
	}

	profile := req.Profile
	if profile == nil {
		profile = req.UserData
	}
	pin := req.PIN
	if pin == "" {
		pin = req.Password
	}

	result, err := h.Enrollment.Apply(r.Context(), service.ApplyRequest{
		Action:       req.Action,
		Profile:      profile,
		PIN:          pin,
		UID:          req.UID,
		TargetUserID: req.TargetUserID,
	})
	if err != nil {
		if ve, ok := models.AsValidation(err); ok {
			writeJSON(w, http.StatusBadRequest,
				sessionResponse{Success: false, Error: ve.Message})
			return
		}
		if ce, ok := models.AsConflict(err); ok {
			resp := sessionResponse{
				Success:       false,
				Error:         string(ce.Code),
				StatusMessage: ce.Message,
			}
			if result != nil {
				resp.Session = &result.Session
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		writeJSON(w, http.StatusInternalServerError,
			sessionResponse{Success: false, Error: "storage unavailable, retry"})
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Success:       true,
		Session:       &result.Session,
		User:          result.User,
		StatusMessage: result.Session.StatusMessage,
	})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
