package handlers

import (
	"errors"
	"net/http"

	"github.com/diewo77/go-crm/httpx"
	"github.com/diewo77/go-crm/internal/models"
	"github.com/diewo77/go-crm/validation"

	"gorm.io/gorm"
)

type AccountHandler struct{ DB *gorm.DB }

func NewAccountHandler(db *gorm.DB) *AccountHandler { return &AccountHandler{DB: db} }

// List: GET /api/crm/accounts
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	dbq := h.DB.Model(&models.Account{})
	if like := searchLike(r); like != "" {
		dbq = dbq.Where("lower(name) LIKE ? OR lower(domain) LIKE ?", like, like)
	}
	var total int64
	dbq.Count(&total)
	var accounts []models.Account
	if err := dbq.Order("id desc").Limit(limit).Offset(offset).Find(&accounts).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, map[string]any{"items": accounts, "total": total, "limit": limit, "offset": offset})
}

type accountReq struct {
	Name           string `json:"name"`
	Domain         string `json:"domain"`
	Phone          string `json:"phone"`
	BillingLine1   string `json:"billing_line1"`
	BillingLine2   string `json:"billing_line2"`
	BillingPostal  string `json:"billing_postal"`
	BillingCity    string `json:"billing_city"`
	BillingCountry string `json:"billing_country"`
	Notes          string `json:"notes"`
}

func (r accountReq) apply(a *models.Account) {
	a.Name = r.Name
	a.Domain = r.Domain
	a.Phone = r.Phone
	a.BillingLine1 = r.BillingLine1
	a.BillingLine2 = r.BillingLine2
	a.BillingPostal = r.BillingPostal
	a.BillingCity = r.BillingCity
	a.BillingCountry = r.BillingCountry
	a.Notes = r.Notes
}

// Create: POST /api/crm/accounts
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req accountReq
	if !decodeJSON(w, r, &req) {
		return
	}
	v := validation.Violations{}
	validation.Required("name", req.Name, v)
	if !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	var account models.Account
	req.apply(&account)
	if err := h.DB.Create(&account).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	recordAudit(h.DB, r, "Account", account.ID, "create")
	httpx.Data(w, http.StatusCreated, account)
}

// Get: GET /api/crm/accounts/get?id=...
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var account models.Account
	if err := h.DB.First(&account, id).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, account)
}

// Update: POST /api/crm/accounts/update?id=...
func (h *AccountHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var account models.Account
	if err := h.DB.First(&account, id).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	var req accountReq
	if !decodeJSON(w, r, &req) {
		return
	}
	v := validation.Violations{}
	validation.Required("name", req.Name, v)
	if !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	req.apply(&account)
	if err := h.DB.Save(&account).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	recordAudit(h.DB, r, "Account", account.ID, "update")
	httpx.Data(w, http.StatusOK, account)
}

// Delete: POST /api/crm/accounts/delete?id=...
// Contacts of the account are detached, not deleted.
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var account models.Account
	if err := h.DB.First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.Error(w, http.StatusNotFound, "not_found", nil)
			return
		}
		writeServiceError(w, err)
		return
	}
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Contact{}).Where("account_id = ?", account.ID).
			Update("account_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&account).Error
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	recordAudit(h.DB, r, "Account", account.ID, "delete")
	httpx.Data(w, http.StatusOK, map[string]string{"status": "deleted"})
}
