package models

import "time"

// Invoicing models
type Invoice struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Number    string `gorm:"uniqueIndex" json:"number"` // assigned at finalize, INV-YYYY-NNNN
	Status    string `gorm:"not null" json:"status"`    // draft, final, paid, void
	AccountID uint   `gorm:"not null;index" json:"account_id"`
	ContactID uint   `gorm:"not null;index" json:"contact_id"`
	Currency  string `gorm:"not null;default:'EUR'" json:"currency"`
	// Invoice-level absolute discount, applied after line discounts.
	Discount float64       `json:"discount"`
	Items    []InvoiceItem `gorm:"foreignKey:InvoiceID" json:"items"`
	Payments []Payment     `gorm:"foreignKey:InvoiceID" json:"payments"`
	Refunds  []Refund      `gorm:"foreignKey:InvoiceID" json:"refunds"`
	// Opaque token backing the hosted payment page; no provider call here.
	PaymentLinkToken string     `gorm:"index" json:"payment_link_token,omitempty"`
	FinalizedAt      *time.Time `json:"finalized_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type InvoiceItem struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	InvoiceID   uint    `gorm:"not null;index" json:"invoice_id"`
	Description string  `gorm:"not null" json:"description"`
	Quantity    int     `gorm:"not null" json:"quantity"`
	UnitPrice   float64 `gorm:"not null" json:"unit_price"`
	VATRate     float64 `json:"vat_rate"` // e.g. 0.20 for 20%
	Discount    float64 `json:"discount"` // absolute, capped at the line amount
}

// Payment tied to invoices
type Payment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	InvoiceID uint      `gorm:"not null;index" json:"invoice_id"`
	Amount    float64   `gorm:"not null" json:"amount"`
	Method    string    `gorm:"not null" json:"method"` // ex: transfer, card, cheque, cash
	Reference string    `json:"reference"`
	PaidAt    time.Time `gorm:"not null" json:"paid_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Refund struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	InvoiceID  uint      `gorm:"not null;index" json:"invoice_id"`
	PaymentID  uint      `gorm:"not null;index" json:"payment_id"`
	Amount     float64   `gorm:"not null" json:"amount"`
	Reason     string    `json:"reason"`
	RefundedAt time.Time `gorm:"not null" json:"refunded_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Invoice statuses
const (
	InvoiceDraft = "draft"
	InvoiceFinal = "final"
	InvoicePaid  = "paid"
	InvoiceVoid  = "void"
)
