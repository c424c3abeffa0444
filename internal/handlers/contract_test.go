package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/diewo77/go-crm/auth"
	"github.com/diewo77/go-crm/gate"
	"github.com/diewo77/go-crm/internal/models"
	"github.com/diewo77/go-crm/internal/services"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupContractTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Role{}, &models.User{}, &models.Account{}, &models.Contact{},
		&models.Contract{}, &models.Attachment{}, &models.SignatureInvite{}, &models.ContractEvent{}, &models.EmailLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func allowAllGate() *gate.Gate[uint] {
	resolver := gate.ResolverFunc[uint](func(ctx context.Context, user uint) (gate.Profile, error) {
		return gate.NewStaticProfile(1, "admin", gate.PermissionSuperAdmin), nil
	})
	return gate.New[uint](resolver)
}

type contractEnv struct {
	db      *gorm.DB
	handler *ContractHandler
	mailer  *services.RecordingMailer
	user    models.User
	contact models.Contact
}

func setupContractEnv(t *testing.T) *contractEnv {
	t.Helper()
	db := setupContractTestDB(t)
	mailer := &services.RecordingMailer{}
	svc := services.NewContractService(db, &services.MailLog{DB: db, Mailer: mailer}, "http://crm.test")
	h := NewContractHandler(db, svc, allowAllGate())

	user := models.User{Email: "owner@crm.test", Password: "x"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("user: %v", err)
	}
	acc := models.Account{Name: "Acme"}
	if err := db.Create(&acc).Error; err != nil {
		t.Fatalf("account: %v", err)
	}
	contact := models.Contact{AccountID: &acc.ID, FirstName: "Alice", LastName: "Martin", Email: "alice@acme.test"}
	if err := db.Create(&contact).Error; err != nil {
		t.Fatalf("contact: %v", err)
	}
	return &contractEnv{db: db, handler: h, mailer: mailer, user: user, contact: contact}
}

func (e *contractEnv) authed(r *http.Request) *http.Request {
	return r.WithContext(auth.WithUserID(r.Context(), e.user.ID))
}

func (e *contractEnv) createContract(t *testing.T) models.Contract {
	t.Helper()
	acc := *e.contact.AccountID
	body := fmt.Sprintf(`{"account_id":%d,"contact_id":%d,"title":"Gold SLA","body":"Dear {{client_name}}, uptime {{uptime}}.","response_time_hours":4,"uptime_percent":99.9}`, acc, e.contact.ID)
	w := httptest.NewRecorder()
	e.handler.Create(w, e.authed(httptest.NewRequest(http.MethodPost, "/api/crm/contracts", strings.NewReader(body))))
	if w.Code != http.StatusCreated {
		t.Fatalf("create contract: expected 201 got %d body=%s", w.Code, w.Body.String())
	}
	var c models.Contract
	decodeData(t, w, &c)
	return c
}

var otpPattern = regexp.MustCompile(`one-time code: (\d{6})`)

func (e *contractEnv) sendAndExtractOTP(t *testing.T, id uint) (token, otp string) {
	t.Helper()
	w := httptest.NewRecorder()
	e.handler.Send(w, e.authed(httptest.NewRequest(http.MethodPost, "/api/crm/contracts/send?id="+strconv.Itoa(int(id)), nil)))
	if w.Code != http.StatusOK {
		t.Fatalf("send: expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	if len(e.mailer.Sent) == 0 {
		t.Fatalf("expected invite mail")
	}
	mail := e.mailer.Sent[len(e.mailer.Sent)-1]
	m := otpPattern.FindStringSubmatch(mail.Body)
	if m == nil {
		t.Fatalf("no OTP in mail body: %s", mail.Body)
	}
	var invite models.SignatureInvite
	if err := e.db.Where("contract_id = ?", id).Order("id desc").First(&invite).Error; err != nil {
		t.Fatalf("load invite: %v", err)
	}
	return invite.Token, m[1]
}

func TestContractSignFlow(t *testing.T) {
	env := setupContractEnv(t)
	c := env.createContract(t)
	if c.Version != 1 || c.Status != models.ContractDraft {
		t.Fatalf("unexpected new contract: %#v", c)
	}
	token, otp := env.sendAndExtractOTP(t, c.ID)

	body := fmt.Sprintf(`{"token":%q,"otp":%q,"signer_name":"Alice Martin"}`, token, otp)
	w := httptest.NewRecorder()
	env.handler.Sign(w, httptest.NewRequest(http.MethodPost, "/api/crm/contracts/sign", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("sign: expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	var signed models.Contract
	decodeData(t, w, &signed)
	if signed.Status != models.ContractSigned || signed.SignerName != "Alice Martin" || signed.SignedAt == nil {
		t.Fatalf("unexpected signed contract: %#v", signed)
	}

	// signing again hits the consumed invite
	again := httptest.NewRecorder()
	env.handler.Sign(again, httptest.NewRequest(http.MethodPost, "/api/crm/contracts/sign", strings.NewReader(body)))
	if again.Code != http.StatusConflict || errorCode(t, again) != "invite_consumed" {
		t.Fatalf("expected 409 invite_consumed got %d %s", again.Code, again.Body.String())
	}

	// audit trail carries created, sent, signed
	var events []models.ContractEvent
	if err := env.db.Where("contract_id = ?", c.ID).Order("id asc").Find(&events).Error; err != nil {
		t.Fatalf("events: %v", err)
	}
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []string{"created", "sent", "signed"}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events: %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected events %v got %v", want, kinds)
		}
	}

	// signature touched the contact's activity timestamp
	var contact models.Contact
	if err := env.db.First(&contact, env.contact.ID).Error; err != nil {
		t.Fatalf("contact: %v", err)
	}
	if contact.LastActivityAt == nil {
		t.Fatalf("expected last_activity_at set")
	}
}

func TestContractSignWrongOTPLocksInvite(t *testing.T) {
	env := setupContractEnv(t)
	c := env.createContract(t)
	token, otp := env.sendAndExtractOTP(t, c.ID)

	wrong := "000000"
	if wrong == otp {
		wrong = "000001"
	}
	body := fmt.Sprintf(`{"token":%q,"otp":%q}`, token, wrong)
	for i := 1; i < services.InviteMaxAttempts; i++ {
		w := httptest.NewRecorder()
		env.handler.Sign(w, httptest.NewRequest(http.MethodPost, "/api/crm/contracts/sign", strings.NewReader(body)))
		if w.Code != http.StatusUnauthorized || errorCode(t, w) != "invalid_otp" {
			t.Fatalf("attempt %d: expected 401 invalid_otp got %d %s", i, w.Code, w.Body.String())
		}
	}
	// fifth wrong code locks
	locked := httptest.NewRecorder()
	env.handler.Sign(locked, httptest.NewRequest(http.MethodPost, "/api/crm/contracts/sign", strings.NewReader(body)))
	if locked.Code != http.StatusForbidden || errorCode(t, locked) != "invite_locked" {
		t.Fatalf("expected 403 invite_locked got %d %s", locked.Code, locked.Body.String())
	}
	// even the right code is rejected once locked
	right := httptest.NewRecorder()
	env.handler.Sign(right, httptest.NewRequest(http.MethodPost, "/api/crm/contracts/sign",
		strings.NewReader(fmt.Sprintf(`{"token":%q,"otp":%q}`, token, otp))))
	if right.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", right.Code)
	}
}

func TestContractDecline(t *testing.T) {
	env := setupContractEnv(t)
	c := env.createContract(t)
	token, _ := env.sendAndExtractOTP(t, c.ID)

	w := httptest.NewRecorder()
	env.handler.Decline(w, httptest.NewRequest(http.MethodPost, "/api/crm/contracts/decline",
		strings.NewReader(fmt.Sprintf(`{"token":%q,"reason":"terms too strict"}`, token))))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	var declined models.Contract
	decodeData(t, w, &declined)
	if declined.Status != models.ContractDeclined {
		t.Fatalf("expected declined got %s", declined.Status)
	}
}

func TestContractAmendIncrementsVersion(t *testing.T) {
	env := setupContractEnv(t)
	c := env.createContract(t)
	token, otp := env.sendAndExtractOTP(t, c.ID)
	sign := httptest.NewRecorder()
	env.handler.Sign(sign, httptest.NewRequest(http.MethodPost, "/api/crm/contracts/sign",
		strings.NewReader(fmt.Sprintf(`{"token":%q,"otp":%q}`, token, otp))))
	if sign.Code != http.StatusOK {
		t.Fatalf("sign: %d %s", sign.Code, sign.Body.String())
	}

	w := httptest.NewRecorder()
	env.handler.Amend(w, env.authed(httptest.NewRequest(http.MethodPost, "/api/crm/contracts/amend?id="+strconv.Itoa(int(c.ID)), nil)))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d body=%s", w.Code, w.Body.String())
	}
	var child models.Contract
	decodeData(t, w, &child)
	if child.Version != 2 || child.ParentID == nil || *child.ParentID != c.ID {
		t.Fatalf("unexpected amendment: %#v", child)
	}
	if child.Status != models.ContractDraft {
		t.Fatalf("amendment must start as draft, got %s", child.Status)
	}

	// parent stays signed
	var parent models.Contract
	if err := env.db.First(&parent, c.ID).Error; err != nil {
		t.Fatalf("parent: %v", err)
	}
	if parent.Status != models.ContractSigned {
		t.Fatalf("parent changed: %s", parent.Status)
	}

	// amending a draft conflicts
	bad := httptest.NewRecorder()
	env.handler.Amend(bad, env.authed(httptest.NewRequest(http.MethodPost, "/api/crm/contracts/amend?id="+strconv.Itoa(int(child.ID)), nil)))
	if bad.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", bad.Code)
	}
}

func TestContractVoidConsumesInvites(t *testing.T) {
	env := setupContractEnv(t)
	c := env.createContract(t)
	token, otp := env.sendAndExtractOTP(t, c.ID)

	w := httptest.NewRecorder()
	env.handler.Void(w, env.authed(httptest.NewRequest(http.MethodPost, "/api/crm/contracts/void?id="+strconv.Itoa(int(c.ID)), nil)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}

	sign := httptest.NewRecorder()
	env.handler.Sign(sign, httptest.NewRequest(http.MethodPost, "/api/crm/contracts/sign",
		strings.NewReader(fmt.Sprintf(`{"token":%q,"otp":%q}`, token, otp))))
	if sign.Code != http.StatusConflict || errorCode(t, sign) != "invite_consumed" {
		t.Fatalf("expected 409 invite_consumed got %d %s", sign.Code, sign.Body.String())
	}
}

func TestContractUpdateDraftOnly(t *testing.T) {
	env := setupContractEnv(t)
	c := env.createContract(t)
	env.sendAndExtractOTP(t, c.ID)

	acc := *env.contact.AccountID
	body := fmt.Sprintf(`{"account_id":%d,"contact_id":%d,"title":"Gold SLA v2","body":"x","response_time_hours":2,"uptime_percent":99.95}`, acc, env.contact.ID)
	w := httptest.NewRecorder()
	env.handler.Update(w, env.authed(httptest.NewRequest(http.MethodPost, "/api/crm/contracts/update?id="+strconv.Itoa(int(c.ID)), strings.NewReader(body))))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d body=%s", w.Code, w.Body.String())
	}
}

func TestContractRenderSubstitutesPlaceholders(t *testing.T) {
	env := setupContractEnv(t)
	c := env.createContract(t)

	w := httptest.NewRecorder()
	env.handler.Render(w, httptest.NewRequest(http.MethodGet, "/api/crm/contracts/render?id="+strconv.Itoa(int(c.ID)), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	var rendered struct {
		Body string `json:"body"`
	}
	decodeData(t, w, &rendered)
	if !strings.Contains(rendered.Body, "Alice Martin") || !strings.Contains(rendered.Body, "99.9%") {
		t.Fatalf("unexpected render: %s", rendered.Body)
	}
	if strings.Contains(rendered.Body, "{{") {
		t.Fatalf("placeholders left unsubstituted: %s", rendered.Body)
	}
}

func TestSignedContractExpiresOnRead(t *testing.T) {
	env := setupContractEnv(t)
	c := env.createContract(t)
	past := time.Now().UTC().AddDate(0, -1, 0)
	if err := env.db.Model(&models.Contract{}).Where("id = ?", c.ID).
		Updates(map[string]any{"status": models.ContractSigned, "expiry_date": past}).Error; err != nil {
		t.Fatalf("seed signed contract: %v", err)
	}

	w := httptest.NewRecorder()
	env.handler.Get(w, env.authed(httptest.NewRequest(http.MethodGet, "/api/crm/contracts/get?id="+strconv.Itoa(int(c.ID)), nil)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	var got models.Contract
	decodeData(t, w, &got)
	if got.Status != models.ContractExpired {
		t.Fatalf("expected expired got %s", got.Status)
	}
	var ev models.ContractEvent
	if err := env.db.Where("contract_id = ? AND kind = ?", c.ID, "expired").First(&ev).Error; err != nil {
		t.Fatalf("expected expired event: %v", err)
	}

	// a signed contract whose expiry is still ahead keeps its status
	fresh := env.createContract(t)
	future := time.Now().UTC().AddDate(1, 0, 0)
	if err := env.db.Model(&models.Contract{}).Where("id = ?", fresh.ID).
		Updates(map[string]any{"status": models.ContractSigned, "expiry_date": future}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	w2 := httptest.NewRecorder()
	env.handler.Get(w2, env.authed(httptest.NewRequest(http.MethodGet, "/api/crm/contracts/get?id="+strconv.Itoa(int(fresh.ID)), nil)))
	var kept models.Contract
	decodeData(t, w2, &kept)
	if kept.Status != models.ContractSigned {
		t.Fatalf("expected signed got %s", kept.Status)
	}
}

func TestSendRejectsPastExpiry(t *testing.T) {
	env := setupContractEnv(t)
	c := env.createContract(t)
	past := time.Now().UTC().AddDate(0, 0, -1)
	if err := env.db.Model(&models.Contract{}).Where("id = ?", c.ID).Update("expiry_date", past).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := httptest.NewRecorder()
	env.handler.Send(w, env.authed(httptest.NewRequest(http.MethodPost, "/api/crm/contracts/send?id="+strconv.Itoa(int(c.ID)), nil)))
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "validation_failed" {
		t.Fatalf("expected 400 validation_failed got %d body=%s", w.Code, w.Body.String())
	}
	if len(env.mailer.Sent) != 0 {
		t.Fatalf("no invite mail expected, got %#v", env.mailer.Sent)
	}
}

func TestContractMailFailureIsLogged(t *testing.T) {
	env := setupContractEnv(t)
	env.mailer.Fail = true
	c := env.createContract(t)

	w := httptest.NewRecorder()
	env.handler.Send(w, env.authed(httptest.NewRequest(http.MethodPost, "/api/crm/contracts/send?id="+strconv.Itoa(int(c.ID)), nil)))
	// delivery is best-effort, the send itself succeeds
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	var entry models.EmailLog
	if err := env.db.Where("contract_id = ?", c.ID).First(&entry).Error; err != nil {
		t.Fatalf("email log: %v", err)
	}
	if entry.Error == "" {
		t.Fatalf("expected delivery error recorded")
	}
}
