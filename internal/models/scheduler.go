package models

import "time"

// AppointmentType is a bookable meeting template.
type AppointmentType struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	Name            string `gorm:"not null" json:"name"`
	Slug            string `gorm:"uniqueIndex;not null" json:"slug"`
	DurationMin     int    `gorm:"not null" json:"duration_min"`
	BufferBeforeMin int    `json:"buffer_before_min"`
	BufferAfterMin  int    `json:"buffer_after_min"`
	// Grid step for candidate starts, anchored to the availability window start.
	SlotIncrementMin int               `gorm:"not null;default:30" json:"slot_increment_min"`
	RoundRobin       bool              `json:"round_robin"`
	Active           bool              `gorm:"not null;default:true" json:"active"`
	Hosts            []AppointmentHost `gorm:"foreignKey:TypeID" json:"hosts"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// AppointmentHost links a user to a type they can host.
type AppointmentHost struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	TypeID uint `gorm:"not null;index:idx_type_user,unique,priority:1" json:"type_id"`
	UserID uint `gorm:"not null;index:idx_type_user,priority:2" json:"user_id"`
}

// Availability is one enabled window of a user's weekly schedule.
// Times are minutes from midnight UTC; Weekday follows time.Weekday (0=Sunday).
type Availability struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Weekday   int       `gorm:"not null" json:"weekday"`
	StartMin  int       `gorm:"not null" json:"start_min"`
	EndMin    int       `gorm:"not null" json:"end_min"`
	Enabled   bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// The partial unique index on (host, start) is the last line of defence against
// two concurrent bookings of the same slot: under read committed both
// transactions can pass the overlap count, only one can commit the row.
type Appointment struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TypeID     uint      `gorm:"not null;index" json:"type_id"`
	HostUserID uint      `gorm:"not null;index:idx_booked_host_slot,unique,where:status = 'booked',priority:1" json:"host_user_id"`
	ContactID  uint      `gorm:"not null;index" json:"contact_id"`
	StartsAt   time.Time `gorm:"not null;index;index:idx_booked_host_slot,unique,where:status = 'booked',priority:2" json:"starts_at"`
	EndsAt     time.Time `gorm:"not null" json:"ends_at"`
	Status     string    `gorm:"not null" json:"status"` // booked, cancelled
	// Token in the confirmation mail that lets the invitee cancel without auth.
	CancelToken string     `gorm:"uniqueIndex" json:"-"`
	Notes       string     `json:"notes"`
	CancelledAt *time.Time `json:"cancelled_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Appointment statuses
const (
	AppointmentBooked    = "booked"
	AppointmentCancelled = "cancelled"
)
