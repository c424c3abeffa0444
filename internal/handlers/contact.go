package handlers

import (
	"net/http"
	"strings"

	"github.com/diewo77/go-crm/httpx"
	"github.com/diewo77/go-crm/internal/models"
	"github.com/diewo77/go-crm/validation"

	"gorm.io/gorm"
)

type ContactHandler struct{ DB *gorm.DB }

func NewContactHandler(db *gorm.DB) *ContactHandler { return &ContactHandler{DB: db} }

// List: GET /api/crm/contacts
func (h *ContactHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	dbq := h.DB.Model(&models.Contact{})
	if like := searchLike(r); like != "" {
		dbq = dbq.Where("lower(last_name) LIKE ? OR lower(first_name) LIKE ? OR lower(email) LIKE ?", like, like, like)
	}
	if acc := r.URL.Query().Get("account_id"); acc != "" {
		dbq = dbq.Where("account_id = ?", acc)
	}
	var total int64
	dbq.Count(&total)
	var contacts []models.Contact
	if err := dbq.Order("id desc").Limit(limit).Offset(offset).Find(&contacts).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, map[string]any{"items": contacts, "total": total, "limit": limit, "offset": offset})
}

type contactReq struct {
	AccountID *uint  `json:"account_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Title     string `json:"title"`
	Notes     string `json:"notes"`
}

func (h *ContactHandler) validate(req *contactReq) validation.Violations {
	v := validation.Violations{}
	validation.Required("last_name", req.LastName, v)
	validation.Required("email", req.Email, v)
	validation.Email("email", req.Email, v)
	if req.AccountID != nil {
		var count int64
		if err := h.DB.Model(&models.Account{}).Where("id = ?", *req.AccountID).Count(&count).Error; err != nil || count == 0 {
			v["account_id"] = "unknown_account"
		}
	}
	return v
}

// Create: POST /api/crm/contacts
func (h *ContactHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req contactReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if v := h.validate(&req); !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	var count int64
	if err := h.DB.Model(&models.Contact{}).Where("email = ?", email).Count(&count).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	if count > 0 {
		httpx.Error(w, http.StatusConflict, "conflict", map[string]string{"email": "taken"})
		return
	}
	contact := models.Contact{
		AccountID: req.AccountID, FirstName: req.FirstName, LastName: req.LastName,
		Email: email, Phone: req.Phone, Title: req.Title, Notes: req.Notes,
	}
	if err := h.DB.Create(&contact).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	recordAudit(h.DB, r, "Contact", contact.ID, "create")
	httpx.Data(w, http.StatusCreated, contact)
}

// Get: GET /api/crm/contacts/get?id=...
func (h *ContactHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var contact models.Contact
	if err := h.DB.First(&contact, id).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, contact)
}

// Update: POST /api/crm/contacts/update?id=...
func (h *ContactHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var contact models.Contact
	if err := h.DB.First(&contact, id).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	var req contactReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if v := h.validate(&req); !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email != contact.Email {
		var count int64
		if err := h.DB.Model(&models.Contact{}).Where("email = ? AND id <> ?", email, contact.ID).Count(&count).Error; err != nil {
			writeServiceError(w, err)
			return
		}
		if count > 0 {
			httpx.Error(w, http.StatusConflict, "conflict", map[string]string{"email": "taken"})
			return
		}
	}
	contact.AccountID = req.AccountID
	contact.FirstName = req.FirstName
	contact.LastName = req.LastName
	contact.Email = email
	contact.Phone = req.Phone
	contact.Title = req.Title
	contact.Notes = req.Notes
	if err := h.DB.Save(&contact).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	recordAudit(h.DB, r, "Contact", contact.ID, "update")
	httpx.Data(w, http.StatusOK, contact)
}

// Delete: POST /api/crm/contacts/delete?id=...
func (h *ContactHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	res := h.DB.Delete(&models.Contact{}, id)
	if res.Error != nil {
		writeServiceError(w, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		httpx.Error(w, http.StatusNotFound, "not_found", nil)
		return
	}
	recordAudit(h.DB, r, "Contact", id, "delete")
	httpx.Data(w, http.StatusOK, map[string]string{"status": "deleted"})
}
