package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/diewo77/go-crm/auth"
	"github.com/diewo77/go-crm/httpx"
	"github.com/diewo77/go-crm/internal/models"
	"github.com/diewo77/go-crm/internal/services"

	"gorm.io/gorm"
)

// parseID reads the ?id= query parameter the way every mutation endpoint does.
func parseID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	idStr := r.URL.Query().Get("id")
	if idStr == "" {
		httpx.Error(w, http.StatusBadRequest, "missing_id", nil)
		return 0, false
	}
	id, err := strconv.Atoi(idStr)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid_id", nil)
		return 0, false
	}
	return uint(id), true
}

// decodeJSON rejects non-JSON bodies with the standard error code.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid_json", nil)
		return false
	}
	return true
}

// pagination applies the shared defaults: limit 50, max 200, 1-based page.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			offset = (n - 1) * limit
		}
	}
	return
}

// recordAudit writes a change log row; best-effort, failures are swallowed.
func recordAudit(db *gorm.DB, r *http.Request, entityType string, entityID uint, action string) {
	uid, _ := auth.UserIDFromContext(r.Context())
	_ = db.Create(&models.AuditLog{UserID: uid, EntityType: entityType, EntityID: entityID, Action: action}).Error
}

// actorUser formats the audit trail actor for an authenticated user.
func actorUser(id uint) string {
	return fmt.Sprintf("user:%d", id)
}

var searchSanitizer = regexp.MustCompile(`[^a-zA-Z0-9@. \-_]`)

// searchLike builds a sanitized LIKE pattern from the q parameter.
func searchLike(r *http.Request) string {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		return ""
	}
	return "%" + strings.ToLower(searchSanitizer.ReplaceAllString(q, "")) + "%"
}

// writeServiceError maps service sentinels onto the status table of the API.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		httpx.Error(w, http.StatusNotFound, "not_found", nil)
	case errors.Is(err, services.ErrConflict):
		httpx.Error(w, http.StatusConflict, "conflict", nil)
	case errors.Is(err, services.ErrInviteConsumed):
		httpx.Error(w, http.StatusConflict, "invite_consumed", nil)
	case errors.Is(err, services.ErrSlotTaken):
		httpx.Error(w, http.StatusConflict, "slot_taken", nil)
	case errors.Is(err, services.ErrInvalidOTP):
		httpx.Error(w, http.StatusUnauthorized, "invalid_otp", nil)
	case errors.Is(err, services.ErrInviteExpired):
		httpx.Error(w, http.StatusForbidden, "invite_expired", nil)
	case errors.Is(err, services.ErrInviteLocked):
		httpx.Error(w, http.StatusForbidden, "invite_locked", nil)
	default:
		httpx.Error(w, http.StatusInternalServerError, "db_unavailable", nil)
	}
}
