package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/diewo77/go-crm/auth"
	"github.com/diewo77/go-crm/httpx"
	"github.com/diewo77/go-crm/internal/models"
	"github.com/diewo77/go-crm/internal/services"
	"github.com/diewo77/go-crm/validation"

	"gorm.io/gorm"
)

type SchedulerHandler struct {
	DB  *gorm.DB
	Svc *services.SchedulerService
}

func NewSchedulerHandler(db *gorm.DB, svc *services.SchedulerService) *SchedulerHandler {
	return &SchedulerHandler{DB: db, Svc: svc}
}

func (h *SchedulerHandler) loadType(w http.ResponseWriter, r *http.Request) (*models.AppointmentType, bool) {
	var t models.AppointmentType
	if slug := r.URL.Query().Get("type"); slug != "" {
		if err := h.DB.Preload("Hosts").Where("slug = ?", slug).First(&t).Error; err != nil {
			writeServiceError(w, err)
			return nil, false
		}
		return &t, true
	}
	id, ok := parseID(w, r)
	if !ok {
		return nil, false
	}
	if err := h.DB.Preload("Hosts").First(&t, id).Error; err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	return &t, true
}

// ListTypes: GET /api/scheduler/types
func (h *SchedulerHandler) ListTypes(w http.ResponseWriter, r *http.Request) {
	dbq := h.DB.Model(&models.AppointmentType{})
	if r.URL.Query().Get("all") == "" {
		dbq = dbq.Where("active = ?", true)
	}
	var types []models.AppointmentType
	if err := dbq.Preload("Hosts").Order("id asc").Find(&types).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, types)
}

type typeReq struct {
	Name             string `json:"name"`
	Slug             string `json:"slug"`
	DurationMin      int    `json:"duration_min"`
	BufferBeforeMin  int    `json:"buffer_before_min"`
	BufferAfterMin   int    `json:"buffer_after_min"`
	SlotIncrementMin int    `json:"slot_increment_min"`
	RoundRobin       bool   `json:"round_robin"`
	Active           *bool  `json:"active"`
	HostUserIDs      []uint `json:"host_user_ids"`
}

func (h *SchedulerHandler) validateType(req *typeReq) validation.Violations {
	v := validation.Violations{}
	validation.Required("name", req.Name, v)
	validation.Required("slug", req.Slug, v)
	validation.PositiveInt("duration_min", req.DurationMin, v)
	if req.BufferBeforeMin < 0 {
		v["buffer_before_min"] = "must_be_non_negative"
	}
	if req.BufferAfterMin < 0 {
		v["buffer_after_min"] = "must_be_non_negative"
	}
	if req.SlotIncrementMin < 0 {
		v["slot_increment_min"] = "must_be_non_negative"
	}
	if len(req.HostUserIDs) == 0 {
		v["host_user_ids"] = "required"
	} else {
		var count int64
		if err := h.DB.Model(&models.User{}).Where("id IN ?", req.HostUserIDs).Count(&count).Error; err != nil || count != int64(len(req.HostUserIDs)) {
			v["host_user_ids"] = "unknown_user"
		}
	}
	return v
}

// CreateType: POST /api/scheduler/types
func (h *SchedulerHandler) CreateType(w http.ResponseWriter, r *http.Request) {
	var req typeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if v := h.validateType(&req); !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	var taken int64
	h.DB.Model(&models.AppointmentType{}).Where("slug = ?", req.Slug).Count(&taken)
	if taken > 0 {
		httpx.Error(w, http.StatusConflict, "conflict", map[string]string{"slug": "already_taken"})
		return
	}
	increment := req.SlotIncrementMin
	if increment == 0 {
		increment = 30
	}
	t := models.AppointmentType{
		Name: req.Name, Slug: strings.ToLower(req.Slug),
		DurationMin: req.DurationMin, BufferBeforeMin: req.BufferBeforeMin,
		BufferAfterMin: req.BufferAfterMin, SlotIncrementMin: increment,
		RoundRobin: req.RoundRobin, Active: true,
	}
	if req.Active != nil {
		t.Active = *req.Active
	}
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&t).Error; err != nil {
			return err
		}
		for _, uid := range req.HostUserIDs {
			if err := tx.Create(&models.AppointmentHost{TypeID: t.ID, UserID: uid}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.DB.Preload("Hosts").First(&t, t.ID).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusCreated, t)
}

// GetType: GET /api/scheduler/types/get?id=... (or ?type=<slug>)
func (h *SchedulerHandler) GetType(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadType(w, r)
	if !ok {
		return
	}
	httpx.Data(w, http.StatusOK, t)
}

// UpdateType: POST /api/scheduler/types/update?id=... – hosts are replaced wholesale
func (h *SchedulerHandler) UpdateType(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadType(w, r)
	if !ok {
		return
	}
	var req typeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if v := h.validateType(&req); !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	slug := strings.ToLower(req.Slug)
	if slug != t.Slug {
		var taken int64
		h.DB.Model(&models.AppointmentType{}).Where("slug = ? AND id <> ?", slug, t.ID).Count(&taken)
		if taken > 0 {
			httpx.Error(w, http.StatusConflict, "conflict", map[string]string{"slug": "already_taken"})
			return
		}
	}
	increment := req.SlotIncrementMin
	if increment == 0 {
		increment = 30
	}
	active := t.Active
	if req.Active != nil {
		active = *req.Active
	}
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"name": req.Name, "slug": slug, "duration_min": req.DurationMin,
			"buffer_before_min": req.BufferBeforeMin, "buffer_after_min": req.BufferAfterMin,
			"slot_increment_min": increment, "round_robin": req.RoundRobin, "active": active,
		}
		if err := tx.Model(t).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Where("type_id = ?", t.ID).Delete(&models.AppointmentHost{}).Error; err != nil {
			return err
		}
		for _, uid := range req.HostUserIDs {
			if err := tx.Create(&models.AppointmentHost{TypeID: t.ID, UserID: uid}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.DB.Preload("Hosts").First(t, t.ID).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, t)
}

// DeleteType: POST /api/scheduler/types/delete?id=... – soft delete via active flag
func (h *SchedulerHandler) DeleteType(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadType(w, r)
	if !ok {
		return
	}
	if err := h.DB.Model(t).Update("active", false).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, map[string]bool{"deleted": true})
}

// Availability: GET returns the caller's weekly windows, PUT replaces them.
func (h *SchedulerHandler) Availability(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getAvailability(w, r)
	case http.MethodPut:
		h.putAvailability(w, r)
	default:
		httpx.MethodNotAllowed(w, "GET, PUT")
	}
}

func availabilityUser(w http.ResponseWriter, r *http.Request) (uint, bool) {
	if v := r.URL.Query().Get("user_id"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpx.Error(w, http.StatusBadRequest, "invalid_id", nil)
			return 0, false
		}
		return uint(n), true
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized", nil)
		return 0, false
	}
	return userID, true
}

func (h *SchedulerHandler) getAvailability(w http.ResponseWriter, r *http.Request) {
	userID, ok := availabilityUser(w, r)
	if !ok {
		return
	}
	var windows []models.Availability
	if err := h.DB.Where("user_id = ?", userID).Order("weekday asc, start_min asc").Find(&windows).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, windows)
}

type windowReq struct {
	Weekday  int   `json:"weekday"`
	StartMin int   `json:"start_min"`
	EndMin   int   `json:"end_min"`
	Enabled  *bool `json:"enabled"`
}

func (h *SchedulerHandler) putAvailability(w http.ResponseWriter, r *http.Request) {
	userID, ok := availabilityUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Windows []windowReq `json:"windows"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	v := validation.Violations{}
	for i, win := range req.Windows {
		key := "windows." + strconv.Itoa(i)
		validation.RangeInt(key+".weekday", win.Weekday, 0, 6, v)
		if win.StartMin < 0 || win.EndMin > 24*60 {
			v[key] = "out_of_range"
		}
		if win.StartMin >= win.EndMin {
			v[key] = "empty_or_inverted"
		}
	}
	if !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	windows := make([]models.Availability, 0, len(req.Windows))
	for _, win := range req.Windows {
		enabled := true
		if win.Enabled != nil {
			enabled = *win.Enabled
		}
		windows = append(windows, models.Availability{
			UserID: userID, Weekday: win.Weekday,
			StartMin: win.StartMin, EndMin: win.EndMin, Enabled: enabled,
		})
	}
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.Availability{}).Error; err != nil {
			return err
		}
		if len(windows) == 0 {
			return nil
		}
		return tx.Create(&windows).Error
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, windows)
}

func parseDay(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

// Slots: GET /api/scheduler/slots?type=<slug>&from=YYYY-MM-DD&to=YYYY-MM-DD[&host=N]
// Public: the SPA booking page calls this without a session.
func (h *SchedulerHandler) Slots(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadType(w, r)
	if !ok {
		return
	}
	if !t.Active {
		httpx.Error(w, http.StatusNotFound, "not_found", nil)
		return
	}
	v := validation.Violations{}
	from, err := parseDay(r.URL.Query().Get("from"))
	if err != nil {
		v["from"] = "invalid_date"
	}
	to, err := parseDay(r.URL.Query().Get("to"))
	if err != nil {
		v["to"] = "invalid_date"
	}
	var host uint
	if hs := r.URL.Query().Get("host"); hs != "" {
		n, convErr := strconv.Atoi(hs)
		if convErr != nil || n <= 0 {
			v["host"] = "invalid_id"
		} else {
			host = uint(n)
		}
	}
	if v.Empty() && to.Before(from) {
		v["to"] = "before_from"
	}
	if v.Empty() && !t.RoundRobin && len(t.Hosts) > 1 && host == 0 {
		v["host"] = "required"
	}
	if !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	now := time.Now().UTC()
	calendars, err := h.Svc.HostCalendars(t, from, to, now, host)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	slots := h.Svc.Slots.Compute(t, calendars, from, to, now)
	httpx.Data(w, http.StatusOK, map[string]any{"type": t.Slug, "slots": slots})
}

type bookReq struct {
	ContactID uint      `json:"contact_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Start     time.Time `json:"start"`
	Host      uint      `json:"host_user_id"`
	Notes     string    `json:"notes"`
}

// Book: POST /api/scheduler/appointments?type=<slug> – public
// The invitee is matched by contact_id, or upserted from email + name.
func (h *SchedulerHandler) Book(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadType(w, r)
	if !ok {
		return
	}
	if !t.Active {
		httpx.Error(w, http.StatusNotFound, "not_found", nil)
		return
	}
	var req bookReq
	if !decodeJSON(w, r, &req) {
		return
	}
	v := validation.Violations{}
	if req.Start.IsZero() {
		v["start"] = "required"
	}
	if req.ContactID == 0 {
		validation.Required("email", req.Email, v)
		validation.Email("email", req.Email, v)
		validation.Required("name", req.Name, v)
	}
	if !v.Empty() {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	contactID := req.ContactID
	if contactID == 0 {
		contact, err := h.upsertContact(req.Email, req.Name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		contactID = contact.ID
	} else {
		var count int64
		if err := h.DB.Model(&models.Contact{}).Where("id = ?", contactID).Count(&count).Error; err != nil || count == 0 {
			httpx.Error(w, http.StatusBadRequest, "validation_failed", map[string]string{"contact_id": "unknown_contact"})
			return
		}
	}
	appt, err := h.Svc.Book(t, contactID, req.Start.UTC(), req.Host, req.Notes, time.Now().UTC())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusCreated, appt)
}

func (h *SchedulerHandler) upsertContact(email, name string) (*models.Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var contact models.Contact
	err := h.DB.Where("email = ?", email).First(&contact).Error
	if err == nil {
		return &contact, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	first, last := splitName(name)
	contact = models.Contact{FirstName: first, LastName: last, Email: email}
	if err := h.DB.Create(&contact).Error; err != nil {
		return nil, err
	}
	return &contact, nil
}

func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "", ""
	}
	first = parts[0]
	last = strings.Join(parts[1:], " ")
	return
}

// ListAppointments: GET /api/scheduler/appointments – authenticated
func (h *SchedulerHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	dbq := h.DB.Model(&models.Appointment{})
	if status := r.URL.Query().Get("status"); status != "" {
		dbq = dbq.Where("status = ?", status)
	}
	if hs := r.URL.Query().Get("host"); hs != "" {
		dbq = dbq.Where("host_user_id = ?", hs)
	}
	if contact := r.URL.Query().Get("contact_id"); contact != "" {
		dbq = dbq.Where("contact_id = ?", contact)
	}
	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		if from, err := parseDay(fromStr); err == nil {
			dbq = dbq.Where("starts_at >= ?", from)
		}
	}
	// to is a day, so the bound is exclusive at the following midnight
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		if to, err := parseDay(toStr); err == nil {
			dbq = dbq.Where("starts_at < ?", to.AddDate(0, 0, 1))
		}
	}
	var total int64
	dbq.Count(&total)
	var appts []models.Appointment
	if err := dbq.Order("starts_at asc").Limit(limit).Offset(offset).Find(&appts).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, map[string]any{"items": appts, "total": total, "limit": limit, "offset": offset})
}

// CancelAppointment: POST /api/scheduler/appointments/cancel?id=... – authenticated
func (h *SchedulerHandler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var appt models.Appointment
	if err := h.DB.First(&appt, id).Error; err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.Svc.Cancel(&appt, time.Now()); err != nil {
		writeServiceError(w, err)
		return
	}
	appt.Status = models.AppointmentCancelled
	httpx.Data(w, http.StatusOK, appt)
}

// CancelByToken: POST /api/scheduler/cancel?token=... – public, from the
// confirmation mail.
func (h *SchedulerHandler) CancelByToken(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		httpx.Error(w, http.StatusBadRequest, "validation_failed", map[string]string{"token": "required"})
		return
	}
	appt, err := h.Svc.CancelByToken(token, time.Now())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.Data(w, http.StatusOK, appt)
}
