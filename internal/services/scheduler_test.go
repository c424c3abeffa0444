package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/diewo77/go-crm/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// 2026-09-07 is a Monday.
var monday = time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)

func mondayAt(h, m int) time.Time { return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func consultation() *models.AppointmentType {
	return &models.AppointmentType{
		ID: 1, Name: "Consultation", Slug: "consultation",
		DurationMin: 60, SlotIncrementMin: 30, Active: true,
		Hosts: []models.AppointmentHost{{TypeID: 1, UserID: 10}},
	}
}

func weekWindow(user uint, weekday, startMin, endMin int) models.Availability {
	return models.Availability{UserID: user, Weekday: weekday, StartMin: startMin, EndMin: endMin, Enabled: true}
}

func TestComputeSlotsBasicGrid(t *testing.T) {
	svc := NewSlotService()
	typ := consultation()
	hosts := []HostCalendar{{
		UserID:  10,
		Windows: []models.Availability{weekWindow(10, 1, 9*60, 12*60)}, // Mon 09:00-12:00
	}}
	now := monday.Add(-24 * time.Hour)
	slots := svc.Compute(typ, hosts, monday, monday, now)
	if len(slots) != 5 {
		t.Fatalf("expected 5 slots got %d: %#v", len(slots), slots)
	}
	if !slots[0].Start.Equal(mondayAt(9, 0)) || !slots[4].Start.Equal(mondayAt(11, 0)) {
		t.Fatalf("unexpected grid: first=%v last=%v", slots[0].Start, slots[4].Start)
	}
	for _, s := range slots {
		if !s.End.Equal(s.Start.Add(time.Hour)) {
			t.Fatalf("slot duration wrong: %#v", s)
		}
		if s.HostUserID != 10 {
			t.Fatalf("wrong host: %#v", s)
		}
	}
}

func TestComputeSlotsExcludesBookedAndBuffered(t *testing.T) {
	svc := NewSlotService()
	typ := consultation()
	busy := models.Appointment{HostUserID: 10, StartsAt: mondayAt(10, 0), EndsAt: mondayAt(11, 0), Status: models.AppointmentBooked}
	hosts := []HostCalendar{{
		UserID:  10,
		Windows: []models.Availability{weekWindow(10, 1, 9*60, 12*60)},
		Busy:    []models.Appointment{busy},
	}}
	now := monday.Add(-24 * time.Hour)

	slots := svc.Compute(typ, hosts, monday, monday, now)
	if len(slots) != 2 {
		t.Fatalf("expected 2 free slots got %d: %#v", len(slots), slots)
	}
	if !slots[0].Start.Equal(mondayAt(9, 0)) || !slots[1].Start.Equal(mondayAt(11, 0)) {
		t.Fatalf("unexpected survivors: %#v", slots)
	}

	// A before-buffer makes 11:00 collide with the booking ending at 11:00.
	typ.BufferBeforeMin = 15
	slots = svc.Compute(typ, hosts, monday, monday, now)
	if len(slots) != 1 || !slots[0].Start.Equal(mondayAt(9, 0)) {
		t.Fatalf("buffer should drop the 11:00 slot: %#v", slots)
	}

	// Cancelled appointments never block.
	hosts[0].Busy[0].Status = models.AppointmentCancelled
	typ.BufferBeforeMin = 0
	slots = svc.Compute(typ, hosts, monday, monday, now)
	if len(slots) != 5 {
		t.Fatalf("cancelled booking must not block, got %d slots", len(slots))
	}
}

func TestComputeSlotsDropsPast(t *testing.T) {
	svc := NewSlotService()
	typ := consultation()
	hosts := []HostCalendar{{UserID: 10, Windows: []models.Availability{weekWindow(10, 1, 9*60, 12*60)}}}
	now := mondayAt(10, 0) // 09:00, 09:30 and 10:00 already gone
	slots := svc.Compute(typ, hosts, monday, monday, now)
	if len(slots) != 2 {
		t.Fatalf("expected 2 future slots got %d: %#v", len(slots), slots)
	}
	if !slots[0].Start.Equal(mondayAt(10, 30)) {
		t.Fatalf("first future slot should be 10:30: %v", slots[0].Start)
	}
}

func TestComputeSlotsDurationNotFitting(t *testing.T) {
	svc := NewSlotService()
	typ := consultation()
	typ.DurationMin = 90
	hosts := []HostCalendar{{UserID: 10, Windows: []models.Availability{weekWindow(10, 1, 9*60, 10*60)}}}
	slots := svc.Compute(typ, hosts, monday, monday, monday.Add(-time.Hour))
	if len(slots) != 0 {
		t.Fatalf("90min cannot fit a 60min window: %#v", slots)
	}
}

func TestComputeSlotsRoundRobinFairness(t *testing.T) {
	svc := NewSlotService()
	typ := consultation()
	typ.RoundRobin = true
	typ.Hosts = []models.AppointmentHost{{TypeID: 1, UserID: 10}, {TypeID: 1, UserID: 11}}
	window := weekWindow(0, 1, 9*60, 10*60)
	hosts := []HostCalendar{
		{UserID: 10, Windows: []models.Availability{window}, Upcoming: 3},
		{UserID: 11, Windows: []models.Availability{window}, Upcoming: 1},
	}
	slots := svc.Compute(typ, hosts, monday, monday, monday.Add(-time.Hour))
	if len(slots) == 0 {
		t.Fatalf("expected slots")
	}
	for _, s := range slots {
		if s.HostUserID != 11 {
			t.Fatalf("least-loaded host should win: %#v", s)
		}
	}

	// Tie goes to the lowest user id.
	hosts[0].Upcoming = 1
	slots = svc.Compute(typ, hosts, monday, monday, monday.Add(-time.Hour))
	for _, s := range slots {
		if s.HostUserID != 10 {
			t.Fatalf("tie must break to lowest id: %#v", s)
		}
	}
}

func setupSchedulerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Contact{}, &models.AppointmentType{}, &models.AppointmentHost{},
		&models.Availability{}, &models.Appointment{}, &models.EmailLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedSchedulerFixtures(t *testing.T, db *gorm.DB) (*models.AppointmentType, models.Contact) {
	t.Helper()
	contact := models.Contact{LastName: "Lovelace", Email: "ada@example.com"}
	if err := db.Create(&contact).Error; err != nil {
		t.Fatalf("contact: %v", err)
	}
	typ := models.AppointmentType{Name: "Consultation", Slug: "consultation", DurationMin: 60, SlotIncrementMin: 30, Active: true}
	if err := db.Create(&typ).Error; err != nil {
		t.Fatalf("type: %v", err)
	}
	if err := db.Create(&models.AppointmentHost{TypeID: typ.ID, UserID: 10}).Error; err != nil {
		t.Fatalf("host: %v", err)
	}
	if err := db.Create(&models.Availability{UserID: 10, Weekday: 1, StartMin: 9 * 60, EndMin: 12 * 60, Enabled: true}).Error; err != nil {
		t.Fatalf("availability: %v", err)
	}
	if err := db.Preload("Hosts").First(&typ, typ.ID).Error; err != nil {
		t.Fatalf("reload type: %v", err)
	}
	return &typ, contact
}

func TestBookAndConflictLoses(t *testing.T) {
	db := setupSchedulerDB(t)
	typ, contact := seedSchedulerFixtures(t, db)
	mailer := &RecordingMailer{}
	svc := NewSchedulerService(db, &MailLog{DB: db, Mailer: mailer})
	now := monday.Add(-24 * time.Hour)

	appt, err := svc.Book(typ, contact.ID, mondayAt(9, 0), 0, "first visit", now)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if appt.HostUserID != 10 || appt.Status != models.AppointmentBooked {
		t.Fatalf("unexpected appointment: %#v", appt)
	}
	if appt.CancelToken == "" {
		t.Fatalf("missing cancel token")
	}
	if len(mailer.Sent) != 1 {
		t.Fatalf("expected confirmation mail, got %d", len(mailer.Sent))
	}

	// Same slot again: the first booking wins.
	if _, err := svc.Book(typ, contact.ID, mondayAt(9, 0), 0, "", now); err != ErrSlotTaken {
		t.Fatalf("expected ErrSlotTaken got %v", err)
	}
	// Overlapping but offset start also loses.
	if _, err := svc.Book(typ, contact.ID, mondayAt(9, 30), 0, "", now); err != ErrSlotTaken {
		t.Fatalf("expected ErrSlotTaken for overlap got %v", err)
	}
	// Outside any window.
	if _, err := svc.Book(typ, contact.ID, mondayAt(14, 0), 0, "", now); err != ErrSlotTaken {
		t.Fatalf("expected ErrSlotTaken outside windows got %v", err)
	}

	// Contact activity was touched best-effort.
	var fresh models.Contact
	if err := db.First(&fresh, contact.ID).Error; err != nil {
		t.Fatalf("reload contact: %v", err)
	}
	if fresh.LastActivityAt == nil {
		t.Fatalf("expected last_activity_at set")
	}
}

func TestBookedSlotUniqueIndex(t *testing.T) {
	db := setupSchedulerDB(t)
	first := models.Appointment{TypeID: 1, HostUserID: 10, ContactID: 1,
		StartsAt: mondayAt(9, 0), EndsAt: mondayAt(10, 0),
		Status: models.AppointmentBooked, CancelToken: "tok-1"}
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("first booking: %v", err)
	}

	// A second booked row for the same host and start must hit the partial
	// unique index even though it never went through the overlap count.
	dup := models.Appointment{TypeID: 1, HostUserID: 10, ContactID: 2,
		StartsAt: mondayAt(9, 0), EndsAt: mondayAt(10, 0),
		Status: models.AppointmentBooked, CancelToken: "tok-2"}
	err := db.Create(&dup).Error
	if err == nil {
		t.Fatalf("expected unique violation for a double booking")
	}
	if !isDuplicateKey(err) {
		t.Fatalf("duplicate not recognised: %v", err)
	}

	// Cancelled rows are outside the index, so rebooking the freed slot works.
	if err := db.Model(&first).Update("status", models.AppointmentCancelled).Error; err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := db.Create(&dup).Error; err != nil {
		t.Fatalf("rebooking a freed slot must pass: %v", err)
	}
}

func TestCancelFreesSlot(t *testing.T) {
	db := setupSchedulerDB(t)
	typ, contact := seedSchedulerFixtures(t, db)
	svc := NewSchedulerService(db, &MailLog{DB: db, Mailer: &RecordingMailer{}})
	now := monday.Add(-24 * time.Hour)

	appt, err := svc.Book(typ, contact.ID, mondayAt(10, 0), 0, "", now)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	got, err := svc.CancelByToken(appt.CancelToken, now)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.AppointmentCancelled {
		t.Fatalf("status: %s", got.Status)
	}
	// Idempotent.
	if _, err := svc.CancelByToken(appt.CancelToken, now); err != nil {
		t.Fatalf("second cancel must be a no-op: %v", err)
	}
	// The slot is bookable again.
	if _, err := svc.Book(typ, contact.ID, mondayAt(10, 0), 0, "", now); err != nil {
		t.Fatalf("rebook after cancel: %v", err)
	}
	// Unknown token.
	if _, err := svc.CancelByToken("nope", now); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}
