package handlers

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/diewo77/go-crm/auth"
	"github.com/diewo77/go-crm/gate"
	"github.com/diewo77/go-crm/httpx"
	"github.com/diewo77/go-crm/internal/models"
	pdfgen "github.com/diewo77/go-crm/internal/pdf"
	"github.com/diewo77/go-crm/internal/services"
	"github.com/diewo77/go-crm/validation"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxAttachmentSize = 10 << 20 // 10 MiB

type ContractHandler struct {
	DB        *gorm.DB
	Svc       *services.ContractService
	Gate      *gate.Gate[uint]
	UploadDir string
}

func NewContractHandler(db *gorm.DB, svc *services.ContractService, g *gate.Gate[uint]) *ContractHandler {
	return &ContractHandler{DB: db, Svc: svc, Gate: g, UploadDir: "uploads"}
}

func (h *ContractHandler) load(w http.ResponseWriter, r *http.Request) (*models.Contract, bool) {
	var c models.Contract
	if pub := r.URL.Query().Get("public_id"); pub != "" {
		if err := h.DB.Where("public_id = ?", pub).First(&c).Error; err != nil {
			writeServiceError(w, err)
			return nil, false
		}
	} else {
		id, ok := parseID(w, r)
		if !ok {
			return nil, false
		}
		if err := h.DB.First(&c, id).Error; err != nil {
			writeServiceError(w, err)
			return nil, false
		}
	}
	// Lazy expiry: a signed contract past its expiry date reads as expired.
	// Best effort, a failed transition must not block the request.
	_ = h.Svc.ExpireIfDue(&c, time.Now().UTC())
	return &c, true
}

// authorize runs the profile + ownership check for a mutating operation.
func (h *ContractHandler) authorize(w http.ResponseWriter, r *http.Request, action gate.Action, c *models.Contract) (uint, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized", nil)
		return 0, false
	}
	if err := h.Gate.Authorize(r.Context(), userID, action, "contract", c); err != nil {
		httpx.Error(w, http.StatusForbidden, "forbidden", nil)
		return 0, false
	}
	return userID, true
}

// List: GET /api/crm/contracts
func (h *ContractHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	dbq := h.DB.Model(&models.Contract{})
	if status := r.URL.Query().Get("status"); status != "" {
		dbq = dbq.Where("status = ?", status)
	}
	if acc := r.URL.Query().Get("account_id"); acc != "" {
		dbq = dbq.Where("account_id = ?", acc)
	}
	if contact := r.URL.Query().Get("contact_id"); contact != "" {
		dbq = dbq.Where("contact_id = ?", contact)
	}
	if like := searchLike(r); like != "" {
		dbq = dbq.Where("lower(title) LIKE ?", like)
	}
	var total int64
	dbq.Count(&total)
	var contracts []models.Contract
	if err := dbq.Order("id desc").Limit(limit).Offset(offset).Find(&contracts).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, map[string]any{"items": contracts, "total": total, "limit": limit, "offset": offset})
}

type contractReq struct {
	AccountID         uint       `json:"account_id"`
	ContactID         uint       `json:"contact_id"`
	Title             string     `json:"title"`
	Body              string     `json:"body"`
	ResponseTimeHours int        `json:"response_time_hours"`
	UptimePercent     float64    `json:"uptime_percent"`
	EffectiveDate     *time.Time `json:"effective_date"`
	ExpiryDate        *time.Time `json:"expiry_date"`
}

func (h *ContractHandler) validate(req *contractReq) validation.Violations {
	v := validation.Violations{}
	validation.Required("title", req.Title, v)
	if req.AccountID == 0 {
		v["account_id"] = "required"
	}
	if req.ContactID == 0 {
		v["contact_id"] = "required"
	}
	if req.ResponseTimeHours < 0 {
		v["response_time_hours"] = "must_be_non_negative"
	}
	if req.UptimePercent < 0 || req.UptimePercent > 100 {
		v["uptime_percent"] = "out_of_range"
	}
	if req.EffectiveDate != nil && req.ExpiryDate != nil && !req.ExpiryDate.After(*req.EffectiveDate) {
		v["expiry_date"] = "before_effective_date"
	}
	if v.Empty() {
		var count int64
		if err := h.DB.Model(&models.Contact{}).Where("id = ?", req.ContactID).Count(&count).Error; err != nil || count == 0 {
			v["contact_id"] = "unknown_contact"
		}
	}
	return v
}

// Create: POST /api/crm/contracts – new draft at version 1
func (h *ContractHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	var req contractReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if v := h.validate(&req); !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	c := models.Contract{
		PublicID:          uuid.NewString(),
		AccountID:         req.AccountID,
		ContactID:         req.ContactID,
		OwnerID:           userID,
		Title:             req.Title,
		Body:              req.Body,
		Version:           1,
		Status:            models.ContractDraft,
		ResponseTimeHours: req.ResponseTimeHours,
		UptimePercent:     req.UptimePercent,
		EffectiveDate:     req.EffectiveDate,
		ExpiryDate:        req.ExpiryDate,
	}
	if err := h.DB.Create(&c).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	_ = h.Svc.RecordEvent(c.ID, actorUser(userID), "created", "")
	httpx.Data(w, http.StatusCreated, c)
}

// Get: GET /api/crm/contracts/get?id=... (or ?public_id=...)
func (h *ContractHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	httpx.Data(w, http.StatusOK, c)
}

// Update: POST /api/crm/contracts/update?id=... – drafts only
func (h *ContractHandler) Update(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	userID, ok := h.authorize(w, r, gate.ActionUpdate, c)
	if !ok {
		return
	}
	if c.Status != models.ContractDraft {
		httpx.Error(w, http.StatusConflict, "conflict", map[string]string{"status": "not_draft"})
		return
	}
	var req contractReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if v := h.validate(&req); !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	updates := map[string]any{
		"account_id": req.AccountID, "contact_id": req.ContactID,
		"title": req.Title, "body": req.Body,
		"response_time_hours": req.ResponseTimeHours, "uptime_percent": req.UptimePercent,
		"effective_date": req.EffectiveDate, "expiry_date": req.ExpiryDate,
	}
	if err := h.DB.Model(c).Updates(updates).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	_ = h.Svc.RecordEvent(c.ID, actorUser(userID), "updated", "")
	if err := h.DB.First(c, c.ID).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, c)
}

// Send: POST /api/crm/contracts/send?id=...
func (h *ContractHandler) Send(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	userID, ok := h.authorize(w, r, gate.ActionSend, c)
	if !ok {
		return
	}
	// A contract whose expiry already passed has nothing left to sign.
	if c.ExpiryDate != nil {
		v := validation.Violations{}
		validation.FutureTime("expiry_date", *c.ExpiryDate, time.Now().UTC(), v)
		if !v.Empty() {
			httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
			return
		}
	}
	invite, err := h.Svc.Send(c.ID, userID, time.Now())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, map[string]any{
		"contract_id": c.ID,
		"email":       invite.Email,
		"expires_at":  invite.ExpiresAt,
	})
}

type signReq struct {
	Token      string `json:"token"`
	OTP        string `json:"otp"`
	SignerName string `json:"signer_name"`
}

// Sign: POST /api/crm/contracts/sign – public, gated by token + OTP
func (h *ContractHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req signReq
	if !decodeJSON(w, r, &req) {
		return
	}
	v := validation.Violations{}
	validation.Required("token", req.Token, v)
	validation.Required("otp", req.OTP, v)
	if !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	c, err := h.Svc.Sign(req.Token, req.OTP, req.SignerName, time.Now())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, c)
}

type declineReq struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

// Decline: POST /api/crm/contracts/decline – public
func (h *ContractHandler) Decline(w http.ResponseWriter, r *http.Request) {
	var req declineReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", map[string]string{"token": "required"})
		return
	}
	c, err := h.Svc.Decline(req.Token, req.Reason, time.Now())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, c)
}

// Amend: POST /api/crm/contracts/amend?id=... – signed contracts only
func (h *ContractHandler) Amend(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	userID, ok := h.authorize(w, r, gate.ActionAmend, c)
	if !ok {
		return
	}
	child, err := h.Svc.Amend(c.ID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusCreated, child)
}

// Void: POST /api/crm/contracts/void?id=...
func (h *ContractHandler) Void(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	userID, ok := h.authorize(w, r, gate.ActionVoid, c)
	if !ok {
		return
	}
	voided, err := h.Svc.Void(c.ID, userID, time.Now())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, voided)
}

// Render: GET /api/crm/contracts/render?id=... – substituted body, never stored
func (h *ContractHandler) Render(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	body, err := h.Svc.Render(c)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, map[string]any{"contract_id": c.ID, "version": c.Version, "body": body})
}

// PDF: GET /api/crm/contracts/pdf?id=...
func (h *ContractHandler) PDF(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	body, err := h.Svc.Render(c)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var account models.Account
	if err := h.DB.First(&account, c.AccountID).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	signedAt := ""
	if c.SignedAt != nil {
		signedAt = c.SignedAt.Format("2006-01-02")
	}
	data, genErr := pdfgen.ContractPDF(pdfgen.ContractData{
		Title:       c.Title,
		Version:     c.Version,
		Status:      c.Status,
		Body:        body,
		SignerName:  c.SignerName,
		SignedAt:    signedAt,
		AccountName: account.Name,
	})
	if genErr != nil {
		httpx.Error(w, http.StatusInternalServerError, "pdf_generation_failed", nil)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename=\"contract-"+c.PublicID+".pdf\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Events: GET /api/crm/contracts/events?id=... – audit trail, oldest first
func (h *ContractHandler) Events(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	var events []models.ContractEvent
	if err := h.DB.Where("contract_id = ?", c.ID).Order("id asc").Find(&events).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, events)
}

// Attachments: GET lists metadata, POST uploads a multipart file.
func (h *ContractHandler) Attachments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listAttachments(w, r)
	case http.MethodPost:
		h.uploadAttachment(w, r)
	default:
		httpx.MethodNotAllowed(w, "GET, POST")
	}
}

func (h *ContractHandler) listAttachments(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	var attachments []models.Attachment
	if err := h.DB.Where("contract_id = ?", c.ID).Order("id asc").Find(&attachments).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, attachments)
}

func (h *ContractHandler) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	userID, ok := h.authorize(w, r, gate.ActionUpdate, c)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxAttachmentSize); err != nil {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", map[string]string{"file": "invalid_multipart"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", map[string]string{"file": "required"})
		return
	}
	defer file.Close()
	if err := os.MkdirAll(h.UploadDir, 0o755); err != nil {
		writeServiceError(w, err)
		return
	}
	path := filepath.Join(h.UploadDir, uuid.NewString())
	dst, err := os.Create(path)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	size, err := io.Copy(dst, io.LimitReader(file, maxAttachmentSize))
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		writeServiceError(w, err)
		return
	}
	att := models.Attachment{
		ContractID: c.ID,
		Name:       filepath.Base(header.Filename),
		MimeType:   header.Header.Get("Content-Type"),
		Size:       size,
		Path:       path,
		UploadedBy: userID,
	}
	if err := h.DB.Create(&att).Error; err != nil {
		_ = os.Remove(path)
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusCreated, att)
}

// DownloadAttachment: GET /api/crm/contracts/attachments/download?id=<attachment id>
func (h *ContractHandler) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var att models.Attachment
	if err := h.DB.First(&att, id).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	f, err := os.Open(att.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			httpx.Error(w, http.StatusNotFound, "not_found", nil)
			return
		}
		writeServiceError(w, err)
		return
	}
	defer f.Close()
	if att.MimeType != "" {
		w.Header().Set("Content-Type", att.MimeType)
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+att.Name+"\"")
	_, _ = io.Copy(w, f)
}
