package handlers

import (
	"net/http"
	"time"

	"github.com/diewo77/go-crm/httpx"
	"github.com/diewo77/go-crm/internal/models"
	pdfgen "github.com/diewo77/go-crm/internal/pdf"
	"github.com/diewo77/go-crm/internal/services"
	"github.com/diewo77/go-crm/validation"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type InvoiceHandler struct {
	DB  *gorm.DB
	Svc *services.InvoiceService
}

func NewInvoiceHandler(db *gorm.DB, svc *services.InvoiceService) *InvoiceHandler {
	return &InvoiceHandler{DB: db, Svc: svc}
}

// invoiceView decorates an invoice with its derived totals for responses.
type invoiceView struct {
	models.Invoice
	Totals services.Totals `json:"totals"`
}

func (h *InvoiceHandler) view(inv *models.Invoice) invoiceView {
	return invoiceView{Invoice: *inv, Totals: h.Svc.ComputeTotals(inv)}
}

func (h *InvoiceHandler) load(w http.ResponseWriter, r *http.Request) (*models.Invoice, bool) {
	id, ok := parseID(w, r)
	if !ok {
		return nil, false
	}
	var inv models.Invoice
	if err := h.DB.Preload("Items").Preload("Payments").Preload("Refunds").First(&inv, id).Error; err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	return &inv, true
}

// List: GET /api/crm/invoices
func (h *InvoiceHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	dbq := h.DB.Model(&models.Invoice{})
	if status := r.URL.Query().Get("status"); status != "" {
		dbq = dbq.Where("status = ?", status)
	}
	if acc := r.URL.Query().Get("account_id"); acc != "" {
		dbq = dbq.Where("account_id = ?", acc)
	}
	var total int64
	dbq.Count(&total)
	var invs []models.Invoice
	if err := dbq.Preload("Items").Preload("Payments").Preload("Refunds").
		Order("id desc").Limit(limit).Offset(offset).Find(&invs).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]invoiceView, 0, len(invs))
	for i := range invs {
		items = append(items, h.view(&invs[i]))
	}
	httpx.Data(w, http.StatusOK, map[string]any{"items": items, "total": total, "limit": limit, "offset": offset})
}

type invoiceItemReq struct {
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	VATRate     float64 `json:"vat_rate"`
	Discount    float64 `json:"discount"`
}

type invoiceReq struct {
	AccountID uint             `json:"account_id"`
	ContactID uint             `json:"contact_id"`
	Currency  string           `json:"currency"`
	Discount  float64          `json:"discount"`
	Items     []invoiceItemReq `json:"items"`
}

func validateItems(items []invoiceItemReq, v validation.Violations) []models.InvoiceItem {
	out := make([]models.InvoiceItem, 0, len(items))
	for _, it := range items {
		validation.Required("items.description", it.Description, v)
		validation.PositiveInt("items.quantity", it.Quantity, v)
		validation.NonNegativeFloat("items.unit_price", it.UnitPrice, v)
		validation.NonNegativeFloat("items.discount", it.Discount, v)
		out = append(out, models.InvoiceItem{
			Description: it.Description, Quantity: it.Quantity,
			UnitPrice: it.UnitPrice, VATRate: it.VATRate, Discount: it.Discount,
		})
	}
	return out
}

// Create: POST /api/crm/invoices – always a draft
func (h *InvoiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req invoiceReq
	if !decodeJSON(w, r, &req) {
		return
	}
	v := validation.Violations{}
	if req.AccountID == 0 {
		v["account_id"] = "required"
	}
	if req.ContactID == 0 {
		v["contact_id"] = "required"
	}
	validation.NonNegativeFloat("discount", req.Discount, v)
	items := validateItems(req.Items, v)
	if !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	var count int64
	if err := h.DB.Model(&models.Contact{}).Where("id = ?", req.ContactID).Count(&count).Error; err != nil || count == 0 {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", map[string]string{"contact_id": "unknown_contact"})
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = "EUR"
	}
	inv := models.Invoice{
		Status: models.InvoiceDraft, AccountID: req.AccountID, ContactID: req.ContactID,
		Currency: currency, Discount: req.Discount,
	}
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&inv).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for i := range items {
			items[i].InvoiceID = inv.ID
		}
		return tx.Create(&items).Error
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.DB.Preload("Items").First(&inv, inv.ID).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusCreated, h.view(&inv))
}

// Get: GET /api/crm/invoices/get?id=...
func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}
	httpx.Data(w, http.StatusOK, h.view(inv))
}

// Update: POST /api/crm/invoices/update?id=... – items and discount, draft only
func (h *InvoiceHandler) Update(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}
	if inv.Status != models.InvoiceDraft {
		httpx.Error(w, http.StatusConflict, "conflict", map[string]string{"status": "not_draft"})
		return
	}
	var req invoiceReq
	if !decodeJSON(w, r, &req) {
		return
	}
	v := validation.Violations{}
	validation.NonNegativeFloat("discount", req.Discount, v)
	items := validateItems(req.Items, v)
	if !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("invoice_id = ?", inv.ID).Delete(&models.InvoiceItem{}).Error; err != nil {
			return err
		}
		if err := tx.Model(inv).Update("discount", req.Discount).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for i := range items {
			items[i].InvoiceID = inv.ID
		}
		return tx.Create(&items).Error
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.DB.Preload("Items").Preload("Payments").Preload("Refunds").First(inv, inv.ID).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, h.view(inv))
}

// Finalize: POST /api/crm/invoices/finalize?id=...
func (h *InvoiceHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}
	if inv.Status != models.InvoiceDraft {
		httpx.Error(w, http.StatusConflict, "conflict", map[string]string{"status": "not_draft"})
		return
	}
	if len(inv.Items) == 0 {
		httpx.Error(w, http.StatusBadRequest, "empty_invoice", nil)
		return
	}
	now := time.Now().UTC()
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		number, err := h.Svc.NextNumber(tx, now)
		if err != nil {
			return err
		}
		return tx.Model(inv).Updates(map[string]any{
			"status": models.InvoiceFinal, "number": number, "finalized_at": now,
		}).Error
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.DB.Preload("Items").First(inv, inv.ID).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	recordAudit(h.DB, r, "Invoice", inv.ID, "finalize")
	httpx.Data(w, http.StatusOK, h.view(inv))
}

type paymentReq struct {
	Amount    float64 `json:"amount"`
	Method    string  `json:"method"`
	Reference string  `json:"reference"`
}

// RecordPayment: POST /api/crm/invoices/payments?id=...
func (h *InvoiceHandler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}
	if inv.Status != models.InvoiceFinal && inv.Status != models.InvoicePaid {
		httpx.Error(w, http.StatusConflict, "conflict", map[string]string{"status": "not_final"})
		return
	}
	var req paymentReq
	if !decodeJSON(w, r, &req) {
		return
	}
	v := validation.Violations{}
	validation.PositiveFloat("amount", req.Amount, v)
	validation.Required("method", req.Method, v)
	if !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	payment := models.Payment{InvoiceID: inv.ID, Amount: req.Amount, Method: req.Method, Reference: req.Reference, PaidAt: time.Now().UTC()}
	if err := h.DB.Create(&payment).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	inv.Payments = append(inv.Payments, payment)
	// Status flips to paid as soon as the balance is covered.
	if tot := h.Svc.ComputeTotals(inv); tot.Balance <= 0 && inv.Status != models.InvoicePaid {
		if err := h.DB.Model(inv).Update("status", models.InvoicePaid).Error; err != nil {
			writeServiceError(w, err)
			return
		}
		inv.Status = models.InvoicePaid
	}
	httpx.Data(w, http.StatusCreated, h.view(inv))
}

type refundReq struct {
	PaymentID uint    `json:"payment_id"`
	Amount    float64 `json:"amount"`
	Reason    string  `json:"reason"`
}

// RecordRefund: POST /api/crm/invoices/refunds?id=...
func (h *InvoiceHandler) RecordRefund(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}
	var req refundReq
	if !decodeJSON(w, r, &req) {
		return
	}
	v := validation.Violations{}
	validation.PositiveFloat("amount", req.Amount, v)
	var payment *models.Payment
	for i := range inv.Payments {
		if inv.Payments[i].ID == req.PaymentID {
			payment = &inv.Payments[i]
			break
		}
	}
	if payment == nil {
		v["payment_id"] = "unknown_payment"
	} else if h.Svc.RefundableAmount(payment, inv.Refunds) < req.Amount {
		v["amount"] = "exceeds_payment"
	}
	if !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	refund := models.Refund{InvoiceID: inv.ID, PaymentID: payment.ID, Amount: req.Amount, Reason: req.Reason, RefundedAt: time.Now().UTC()}
	if err := h.DB.Create(&refund).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	inv.Refunds = append(inv.Refunds, refund)
	// Refund may reopen the balance.
	if tot := h.Svc.ComputeTotals(inv); tot.Balance > 0 && inv.Status == models.InvoicePaid {
		if err := h.DB.Model(inv).Update("status", models.InvoiceFinal).Error; err != nil {
			writeServiceError(w, err)
			return
		}
		inv.Status = models.InvoiceFinal
	}
	httpx.Data(w, http.StatusCreated, h.view(inv))
}

// Void: POST /api/crm/invoices/void?id=... – only while no payments recorded
func (h *InvoiceHandler) Void(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}
	if inv.Status == models.InvoiceVoid {
		httpx.Data(w, http.StatusOK, h.view(inv))
		return
	}
	if len(inv.Payments) > 0 {
		httpx.Error(w, http.StatusConflict, "conflict", map[string]string{"payments": "present"})
		return
	}
	if err := h.DB.Model(inv).Update("status", models.InvoiceVoid).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	inv.Status = models.InvoiceVoid
	recordAudit(h.DB, r, "Invoice", inv.ID, "void")
	httpx.Data(w, http.StatusOK, h.view(inv))
}

// PaymentLink: POST /api/crm/invoices/payment-link?id=...
// Generates the opaque token backing a hosted payment page. No provider call.
func (h *InvoiceHandler) PaymentLink(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}
	if inv.Status != models.InvoiceFinal {
		httpx.Error(w, http.StatusConflict, "conflict", map[string]string{"status": "not_final"})
		return
	}
	if inv.PaymentLinkToken == "" {
		token := uuid.NewString()
		if err := h.DB.Model(inv).Update("payment_link_token", token).Error; err != nil {
			writeServiceError(w, err)
			return
		}
		inv.PaymentLinkToken = token
	}
	httpx.Data(w, http.StatusOK, map[string]string{"payment_link_token": inv.PaymentLinkToken})
}

// PDF: GET /api/crm/invoices/pdf?id=...
func (h *InvoiceHandler) PDF(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}
	var contact models.Contact
	if err := h.DB.First(&contact, inv.ContactID).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	var account models.Account
	if err := h.DB.First(&account, inv.AccountID).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	tot := h.Svc.ComputeTotals(inv)
	items := make([]pdfgen.InvoiceItem, 0, len(inv.Items))
	for _, it := range inv.Items {
		line := float64(it.Quantity)*it.UnitPrice - it.Discount
		if line < 0 {
			line = 0
		}
		items = append(items, pdfgen.InvoiceItem{
			Description: it.Description, Quantity: it.Quantity, UnitPrice: it.UnitPrice, Total: line,
		})
	}
	number := inv.Number
	if number == "" {
		number = "draft"
	}
	due := inv.CreatedAt.AddDate(0, 1, 0)
	if inv.FinalizedAt != nil {
		due = inv.FinalizedAt.AddDate(0, 1, 0)
	}
	data, genErr := pdfgen.InvoicePDF(pdfgen.InvoiceData{
		Number:     number,
		Date:       inv.CreatedAt.Format("2006-01-02"),
		DueDate:    due.Format("2006-01-02"),
		Currency:   inv.Currency,
		Items:      items,
		Subtotal:   tot.Subtotal,
		Discount:   tot.Discount,
		VAT:        tot.VAT,
		GrandTotal: tot.Total,
		Client:     pdfgen.PartyData{Name: contact.FirstName + " " + contact.LastName, Email: contact.Email},
		Account:    pdfgen.PartyData{Name: account.Name},
	})
	if genErr != nil {
		httpx.Error(w, http.StatusInternalServerError, "pdf_generation_failed", nil)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename=\"invoice-"+number+".pdf\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
