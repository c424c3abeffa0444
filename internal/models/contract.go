package models

import "time"

// Contract is a versioned SLA document. Amendments are separate rows linking
// back to their parent; the lineage is append-only.
type Contract struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	PublicID  string `gorm:"uniqueIndex;not null" json:"public_id"` // uuid exposed to the SPA
	AccountID uint   `gorm:"not null;index" json:"account_id"`
	ContactID uint   `gorm:"not null;index" json:"contact_id"`
	OwnerID   uint   `gorm:"not null;index" json:"owner_id"` // user who manages the contract
	Title     string `gorm:"not null" json:"title"`
	// Body holds the template text with {{placeholder}} variables; rendering
	// never mutates it.
	Body     string `json:"body"`
	Version  int    `gorm:"not null;default:1" json:"version"`
	ParentID *uint  `gorm:"index" json:"parent_id"` // set on amendments
	Status   string `gorm:"not null" json:"status"` // draft, sent, signed, declined, void, expired

	// SLA terms substituted into the body.
	ResponseTimeHours int        `json:"response_time_hours"`
	UptimePercent     float64    `json:"uptime_percent"`
	EffectiveDate     *time.Time `json:"effective_date"`
	ExpiryDate        *time.Time `json:"expiry_date"`

	// Signer snapshot, filled at signature time.
	SignerName  string     `json:"signer_name"`
	SignerEmail string     `json:"signer_email"`
	SignedAt    *time.Time `json:"signed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contract statuses
const (
	ContractDraft    = "draft"
	ContractSent     = "sent"
	ContractSigned   = "signed"
	ContractDeclined = "declined"
	ContractVoid     = "void"
	ContractExpired  = "expired"
)

type Attachment struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ContractID uint      `gorm:"not null;index" json:"contract_id"`
	Name       string    `gorm:"not null" json:"name"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	Path       string    `json:"-"` // storage path, never exposed
	UploadedBy uint      `json:"uploaded_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// SignatureInvite gates the public signing endpoint: uuid token in the link,
// 6-digit OTP delivered by mail, stored hashed.
type SignatureInvite struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	ContractID uint       `gorm:"not null;index" json:"contract_id"`
	Token      string     `gorm:"uniqueIndex;not null" json:"-"`
	OTPHash    string     `gorm:"not null" json:"-"`
	Email      string     `gorm:"not null" json:"email"`
	ExpiresAt  time.Time  `gorm:"not null" json:"expires_at"`
	Attempts   int        `json:"attempts"`
	ConsumedAt *time.Time `json:"consumed_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ContractEvent is one line of the audit trail. Rows are only ever inserted.
type ContractEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ContractID uint      `gorm:"not null;index" json:"contract_id"`
	Actor      string    `gorm:"not null" json:"actor"` // "user:<id>" or "signer:<email>"
	Kind       string    `gorm:"not null" json:"kind"`  // created, updated, sent, signed, declined, amended, voided
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// EmailLog records every outbound message, success or not. Sending is
// fire-and-forget; the log is the only trace of a failed delivery.
type EmailLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ContractID *uint     `gorm:"index" json:"contract_id"`
	To         string    `gorm:"not null" json:"to"`
	Subject    string    `gorm:"not null" json:"subject"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
