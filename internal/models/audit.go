package models

import "time"

// Audit logging
type AuditLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `json:"user_id"`     // who made the change
	EntityType string    `json:"entity_type"` // ex: "Contact", "Invoice", "Contract"
	EntityID   uint      `json:"entity_id"`
	Action     string    `json:"action"` // ex: "create", "update", "delete"
	Field      string    `json:"field,omitempty"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
