package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/diewo77/go-crm/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrSlotTaken = errors.New("slot_taken")

// Slot is one bookable candidate offered to the SPA.
type Slot struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	HostUserID uint      `json:"host_user_id"`
}

// HostCalendar is everything the slot generator needs to know about one host:
// their enabled weekly windows, their booked appointments in the range, and a
// fairness counter for round-robin assignment.
type HostCalendar struct {
	UserID   uint
	Windows  []models.Availability
	Busy     []models.Appointment
	Upcoming int64
}

// SlotService computes bookable slots. Pure: all inputs are passed in, so the
// same calendars always yield the same slots.
type SlotService struct{}

func NewSlotService() *SlotService { return &SlotService{} }

// Compute walks each day of [from, to] and each host window, generating
// candidate starts on the increment grid and dropping those in the past or
// colliding (buffers included) with a booked appointment. When several hosts
// offer the same start and the type is round-robin, the host with the fewest
// upcoming bookings wins, ties broken by lowest user id.
func (s *SlotService) Compute(t *models.AppointmentType, hosts []HostCalendar, from, to, now time.Time) []Slot {
	if t.DurationMin <= 0 || len(hosts) == 0 || to.Before(from) {
		return nil
	}
	increment := t.SlotIncrementMin
	if increment <= 0 {
		increment = 30
	}
	duration := time.Duration(t.DurationMin) * time.Minute
	bufBefore := time.Duration(t.BufferBeforeMin) * time.Minute
	bufAfter := time.Duration(t.BufferAfterMin) * time.Minute

	byStart := map[int64][]HostCalendar{}
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	for ; !day.After(end); day = day.AddDate(0, 0, 1) {
		weekday := int(day.Weekday())
		for _, host := range hosts {
			for _, w := range host.Windows {
				if !w.Enabled || w.Weekday != weekday {
					continue
				}
				for m := w.StartMin; m+t.DurationMin <= w.EndMin; m += increment {
					start := day.Add(time.Duration(m) * time.Minute)
					if !start.After(now) {
						continue
					}
					if hostBusy(host.Busy, start.Add(-bufBefore), start.Add(duration).Add(bufAfter)) {
						continue
					}
					byStart[start.Unix()] = append(byStart[start.Unix()], host)
				}
			}
		}
	}

	slots := make([]Slot, 0, len(byStart))
	for unix, candidates := range byStart {
		start := time.Unix(unix, 0).UTC()
		pick := candidates[0]
		for _, c := range candidates[1:] {
			if t.RoundRobin {
				if c.Upcoming < pick.Upcoming || (c.Upcoming == pick.Upcoming && c.UserID < pick.UserID) {
					pick = c
				}
			} else if c.UserID < pick.UserID {
				pick = c
			}
		}
		slots = append(slots, Slot{Start: start, End: start.Add(duration), HostUserID: pick.UserID})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	return slots
}

// isDuplicateKey spots unique constraint violations across the postgres and
// sqlite drivers.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

// hostBusy reports whether [from, to) overlaps any booked appointment.
func hostBusy(busy []models.Appointment, from, to time.Time) bool {
	for _, a := range busy {
		if a.Status != models.AppointmentBooked {
			continue
		}
		if from.Before(a.EndsAt) && a.StartsAt.Before(to) {
			return true
		}
	}
	return false
}

// SchedulerService loads calendars and performs booking with a transactional
// conflict re-check: the first persisted booking wins, later requests for the
// same slot get ErrSlotTaken.
type SchedulerService struct {
	DB    *gorm.DB
	Mail  *MailLog
	Slots *SlotService
}

func NewSchedulerService(db *gorm.DB, mail *MailLog) *SchedulerService {
	return &SchedulerService{DB: db, Mail: mail, Slots: NewSlotService()}
}

// HostCalendars loads windows and bookings for the hosts of a type. When
// onlyUser is non-zero the result is restricted to that host.
func (s *SchedulerService) HostCalendars(t *models.AppointmentType, from, to, now time.Time, onlyUser uint) ([]HostCalendar, error) {
	calendars := make([]HostCalendar, 0, len(t.Hosts))
	for _, h := range t.Hosts {
		if onlyUser != 0 && h.UserID != onlyUser {
			continue
		}
		cal := HostCalendar{UserID: h.UserID}
		if err := s.DB.Where("user_id = ? AND enabled = ?", h.UserID, true).Find(&cal.Windows).Error; err != nil {
			return nil, err
		}
		// Pull a padded range so buffers at the edges see neighbours.
		if err := s.DB.Where("host_user_id = ? AND status = ? AND starts_at < ? AND ends_at > ?",
			h.UserID, models.AppointmentBooked, to.AddDate(0, 0, 1), from.AddDate(0, 0, -1)).
			Find(&cal.Busy).Error; err != nil {
			return nil, err
		}
		if err := s.DB.Model(&models.Appointment{}).
			Where("host_user_id = ? AND status = ? AND starts_at > ?", h.UserID, models.AppointmentBooked, now).
			Count(&cal.Upcoming).Error; err != nil {
			return nil, err
		}
		calendars = append(calendars, cal)
	}
	return calendars, nil
}

// Book creates an appointment for a computed slot. The slot is validated
// against the current calendars, then re-checked inside the transaction so a
// concurrent booking of the same slot loses with ErrSlotTaken.
func (s *SchedulerService) Book(t *models.AppointmentType, contactID uint, start time.Time, host uint, notes string, now time.Time) (*models.Appointment, error) {
	calendars, err := s.HostCalendars(t, start, start, now, host)
	if err != nil {
		return nil, err
	}
	slots := s.Slots.Compute(t, calendars, start, start, now)
	var picked *Slot
	for i := range slots {
		if slots[i].Start.Equal(start) && (host == 0 || slots[i].HostUserID == host) {
			picked = &slots[i]
			break
		}
	}
	if picked == nil {
		return nil, ErrSlotTaken
	}

	bufBefore := time.Duration(t.BufferBeforeMin) * time.Minute
	bufAfter := time.Duration(t.BufferAfterMin) * time.Minute
	appt := models.Appointment{
		TypeID:      t.ID,
		HostUserID:  picked.HostUserID,
		ContactID:   contactID,
		StartsAt:    picked.Start,
		EndsAt:      picked.End,
		Status:      models.AppointmentBooked,
		CancelToken: uuid.NewString(),
		Notes:       notes,
	}
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		var overlapping int64
		if err := tx.Model(&models.Appointment{}).
			Where("host_user_id = ? AND status = ? AND starts_at < ? AND ends_at > ?",
				picked.HostUserID, models.AppointmentBooked,
				picked.End.Add(bufAfter), picked.Start.Add(-bufBefore)).
			Count(&overlapping).Error; err != nil {
			return err
		}
		if overlapping > 0 {
			return ErrSlotTaken
		}
		// The count above is advisory under read committed; the partial unique
		// index on (host_user_id, starts_at) decides a true race.
		if err := tx.Create(&appt).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrSlotTaken
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyBooking(&appt, t)
	// best-effort activity touch, failures swallowed
	_ = s.DB.Model(&models.Contact{}).Where("id = ?", contactID).
		Update("last_activity_at", now.UTC()).Error
	return &appt, nil
}

// Cancel marks an appointment cancelled. Idempotent: cancelling twice is a no-op.
func (s *SchedulerService) Cancel(appt *models.Appointment, now time.Time) error {
	if appt.Status == models.AppointmentCancelled {
		return nil
	}
	ts := now.UTC()
	return s.DB.Model(appt).Updates(map[string]any{
		"status": models.AppointmentCancelled, "cancelled_at": ts,
	}).Error
}

// CancelByToken resolves the public cancellation link.
func (s *SchedulerService) CancelByToken(token string, now time.Time) (*models.Appointment, error) {
	var appt models.Appointment
	if err := s.DB.Where("cancel_token = ?", token).First(&appt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.Cancel(&appt, now); err != nil {
		return nil, err
	}
	appt.Status = models.AppointmentCancelled
	return &appt, nil
}

func (s *SchedulerService) notifyBooking(appt *models.Appointment, t *models.AppointmentType) {
	var contact models.Contact
	if err := s.DB.First(&contact, appt.ContactID).Error; err != nil {
		return
	}
	body := fmt.Sprintf("Your %s is confirmed for %s (%d min).\nCancel token: %s",
		t.Name, appt.StartsAt.UTC().Format(time.RFC1123), t.DurationMin, appt.CancelToken)
	s.Mail.Send(nil, contact.Email, "Appointment confirmed: "+t.Name, body)
}
