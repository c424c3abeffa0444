package services

import (
	"fmt"
	"time"

	"github.com/diewo77/go-crm/internal/models"

	"gorm.io/gorm"
)

// InvoiceService encapsulates invoice-related business logic.
type InvoiceService struct{}

func NewInvoiceService() *InvoiceService { return &InvoiceService{} }

// Totals are always derived, never stored.
type Totals struct {
	Subtotal float64 `json:"subtotal"` // after line discounts
	Discount float64 `json:"discount"` // effective invoice-level discount
	VAT      float64 `json:"vat"`
	Total    float64 `json:"total"`
	Paid     float64 `json:"paid"` // payments minus refunds
	Balance  float64 `json:"balance"`
}

// ComputeTotals derives the invoice amounts from items, payments and refunds.
// Line discounts are absolute and capped at the line amount; the invoice
// discount is capped at the subtotal. VAT applies per line after its discount,
// then is reduced proportionally by the invoice discount.
func (s *InvoiceService) ComputeTotals(inv *models.Invoice) Totals {
	var t Totals
	if inv == nil {
		return t
	}
	var vatBeforeInvoiceDiscount float64
	for _, it := range inv.Items {
		line := float64(it.Quantity) * it.UnitPrice
		if it.Discount > 0 {
			if it.Discount < line {
				line -= it.Discount
			} else {
				line = 0
			}
		}
		t.Subtotal += line
		rate := it.VATRate
		if rate < 0 {
			rate = 0
		}
		vatBeforeInvoiceDiscount += line * rate
	}
	t.Discount = inv.Discount
	if t.Discount < 0 {
		t.Discount = 0
	}
	if t.Discount > t.Subtotal {
		t.Discount = t.Subtotal
	}
	t.VAT = vatBeforeInvoiceDiscount
	if t.Subtotal > 0 && t.Discount > 0 {
		t.VAT = vatBeforeInvoiceDiscount * (t.Subtotal - t.Discount) / t.Subtotal
	}
	t.Total = t.Subtotal - t.Discount + t.VAT
	for _, p := range inv.Payments {
		t.Paid += p.Amount
	}
	for _, r := range inv.Refunds {
		t.Paid -= r.Amount
	}
	t.Balance = t.Total - t.Paid
	return t
}

// NextNumber assigns the next sequential number for the finalize year.
// Must be called inside the finalize transaction so two invoices cannot claim
// the same sequence.
func (s *InvoiceService) NextNumber(tx *gorm.DB, at time.Time) (string, error) {
	year := at.UTC().Year()
	prefix := fmt.Sprintf("INV-%d-", year)
	var last models.Invoice
	err := tx.Where("number LIKE ?", prefix+"%").Order("number desc").First(&last).Error
	seq := 1
	if err == nil {
		var n int
		if _, scanErr := fmt.Sscanf(last.Number, prefix+"%04d", &n); scanErr == nil {
			seq = n + 1
		}
	} else if err != gorm.ErrRecordNotFound {
		return "", err
	}
	return fmt.Sprintf("%s%04d", prefix, seq), nil
}

// RefundableAmount returns how much of a payment is still refundable.
func (s *InvoiceService) RefundableAmount(p *models.Payment, refunds []models.Refund) float64 {
	remaining := p.Amount
	for _, r := range refunds {
		if r.PaymentID == p.ID {
			remaining -= r.Amount
		}
	}
	return remaining
}
