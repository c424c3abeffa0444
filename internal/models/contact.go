package models

import "time"

// Account is a company a contact belongs to.
type Account struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"not null;index" json:"name"`
	Domain         string    `gorm:"index" json:"domain"`
	Phone          string    `json:"phone"`
	BillingLine1   string    `json:"billing_line1"`
	BillingLine2   string    `json:"billing_line2"`
	BillingPostal  string    `json:"billing_postal"`
	BillingCity    string    `json:"billing_city"`
	BillingCountry string    `json:"billing_country"`
	Notes          string    `json:"notes"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Contact struct {
	ID        uint     `gorm:"primaryKey" json:"id"`
	AccountID *uint    `gorm:"index" json:"account_id"` // nil: not attached to an account
	Account   *Account `gorm:"foreignKey:AccountID" json:"-"`
	FirstName string   `json:"first_name"`
	LastName  string   `gorm:"not null;index" json:"last_name"`
	Email     string   `gorm:"unique;not null;index" json:"email"`
	Phone     string   `json:"phone"`
	Title     string   `json:"title"`
	Notes     string   `json:"notes"`
	// Touched best-effort on bookings and signature events; never blocks a request.
	LastActivityAt *time.Time `json:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
