package services

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/diewo77/go-crm/internal/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Signature invite limits.
const (
	InviteTTL         = 48 * time.Hour
	InviteMaxAttempts = 5
)

// Sentinel errors mapped to HTTP codes by the handler layer.
var (
	ErrNotFound       = errors.New("not_found")
	ErrConflict       = errors.New("conflict")
	ErrInviteExpired  = errors.New("invite_expired")
	ErrInviteLocked   = errors.New("invite_locked")
	ErrInviteConsumed = errors.New("invite_consumed")
	ErrInvalidOTP     = errors.New("invalid_otp")
)

// ContractService drives the contract lifecycle: invites, signature, audit
// trail, amendments. Plain CRUD stays in the handler.
type ContractService struct {
	DB      *gorm.DB
	Mail    *MailLog
	BaseURL string
}

func NewContractService(db *gorm.DB, mail *MailLog, baseURL string) *ContractService {
	return &ContractService{DB: db, Mail: mail, BaseURL: baseURL}
}

// GenerateOTP returns a 6-digit one-time code from crypto/rand.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Send transitions a draft to sent and issues a signature invite. The OTP is
// only ever present in the outbound mail; storage holds its bcrypt hash.
func (s *ContractService) Send(contractID uint, actorUserID uint, now time.Time) (*models.SignatureInvite, error) {
	var c models.Contract
	if err := s.DB.First(&c, contractID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if c.Status != models.ContractDraft {
		return nil, ErrConflict
	}
	var contact models.Contact
	if err := s.DB.First(&contact, c.ContactID).Error; err != nil {
		return nil, err
	}
	otp, err := GenerateOTP()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(otp), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	invite := models.SignatureInvite{
		ContractID: c.ID,
		Token:      uuid.NewString(),
		OTPHash:    string(hash),
		Email:      contact.Email,
		ExpiresAt:  now.Add(InviteTTL),
	}
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&invite).Error; err != nil {
			return err
		}
		if err := tx.Model(&c).Update("status", models.ContractSent).Error; err != nil {
			return err
		}
		return s.recordEvent(tx, c.ID, fmt.Sprintf("user:%d", actorUserID), "sent", "signature invite issued to "+contact.Email)
	})
	if err != nil {
		return nil, err
	}
	link := fmt.Sprintf("%s/api/crm/contracts/sign?token=%s", s.BaseURL, invite.Token)
	body := fmt.Sprintf("You have been invited to sign %q.\n\nLink: %s\nYour one-time code: %s\n\nThe code expires %s.",
		c.Title, link, otp, invite.ExpiresAt.UTC().Format(time.RFC1123))
	s.Mail.Send(&c.ID, contact.Email, "Signature requested: "+c.Title, body)
	return &invite, nil
}

// Sign validates token + OTP and marks the contract signed.
// Attempt accounting happens even on failure so a brute force locks the
// invite after InviteMaxAttempts wrong codes.
func (s *ContractService) Sign(token, otp, signerName string, now time.Time) (*models.Contract, error) {
	var invite models.SignatureInvite
	if err := s.DB.Where("token = ?", token).First(&invite).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if invite.ConsumedAt != nil {
		return nil, ErrInviteConsumed
	}
	if now.After(invite.ExpiresAt) {
		return nil, ErrInviteExpired
	}
	if invite.Attempts >= InviteMaxAttempts {
		return nil, ErrInviteLocked
	}
	if bcrypt.CompareHashAndPassword([]byte(invite.OTPHash), []byte(otp)) != nil {
		invite.Attempts++
		if err := s.DB.Model(&invite).Update("attempts", invite.Attempts).Error; err != nil {
			return nil, err
		}
		if invite.Attempts >= InviteMaxAttempts {
			return nil, ErrInviteLocked
		}
		return nil, ErrInvalidOTP
	}
	var c models.Contract
	if err := s.DB.First(&c, invite.ContractID).Error; err != nil {
		return nil, err
	}
	if c.Status != models.ContractSent {
		return nil, ErrConflict
	}
	name := strings.TrimSpace(signerName)
	if name == "" {
		name = invite.Email
	}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		ts := now.UTC()
		if err := tx.Model(&invite).Update("consumed_at", ts).Error; err != nil {
			return err
		}
		updates := map[string]any{
			"status": models.ContractSigned, "signer_name": name,
			"signer_email": invite.Email, "signed_at": ts,
		}
		if err := tx.Model(&c).Updates(updates).Error; err != nil {
			return err
		}
		return s.recordEvent(tx, c.ID, "signer:"+invite.Email, "signed", "signed by "+name)
	})
	if err != nil {
		return nil, err
	}
	s.Mail.Send(&c.ID, invite.Email, "Signed: "+c.Title, fmt.Sprintf("%q version %d has been signed.", c.Title, c.Version))
	s.touchContact(c.ContactID, now)
	if err := s.DB.First(&c, c.ID).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// Decline rejects a pending invite; the contract goes to declined.
func (s *ContractService) Decline(token, reason string, now time.Time) (*models.Contract, error) {
	var invite models.SignatureInvite
	if err := s.DB.Where("token = ?", token).First(&invite).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if invite.ConsumedAt != nil {
		return nil, ErrInviteConsumed
	}
	var c models.Contract
	if err := s.DB.First(&c, invite.ContractID).Error; err != nil {
		return nil, err
	}
	if c.Status != models.ContractSent {
		return nil, ErrConflict
	}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		ts := now.UTC()
		if err := tx.Model(&invite).Update("consumed_at", ts).Error; err != nil {
			return err
		}
		if err := tx.Model(&c).Update("status", models.ContractDeclined).Error; err != nil {
			return err
		}
		detail := "declined"
		if reason != "" {
			detail = "declined: " + reason
		}
		return s.recordEvent(tx, c.ID, "signer:"+invite.Email, "declined", detail)
	})
	if err != nil {
		return nil, err
	}
	c.Status = models.ContractDeclined
	return &c, nil
}

// Amend derives a new draft from a signed contract. The parent stays signed;
// the amendment carries version+1 and a lineage pointer that is never
// rewritten.
func (s *ContractService) Amend(contractID uint, actorUserID uint) (*models.Contract, error) {
	var parent models.Contract
	if err := s.DB.First(&parent, contractID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if parent.Status != models.ContractSigned {
		return nil, ErrConflict
	}
	child := models.Contract{
		PublicID:          uuid.NewString(),
		AccountID:         parent.AccountID,
		ContactID:         parent.ContactID,
		OwnerID:           actorUserID,
		Title:             parent.Title,
		Body:              parent.Body,
		Version:           parent.Version + 1,
		ParentID:          &parent.ID,
		Status:            models.ContractDraft,
		ResponseTimeHours: parent.ResponseTimeHours,
		UptimePercent:     parent.UptimePercent,
		EffectiveDate:     parent.EffectiveDate,
		ExpiryDate:        parent.ExpiryDate,
	}
	actor := fmt.Sprintf("user:%d", actorUserID)
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&child).Error; err != nil {
			return err
		}
		if err := s.recordEvent(tx, parent.ID, actor, "amended", fmt.Sprintf("amendment drafted as version %d", child.Version)); err != nil {
			return err
		}
		return s.recordEvent(tx, child.ID, actor, "created", fmt.Sprintf("derived from version %d", parent.Version))
	})
	if err != nil {
		return nil, err
	}
	return &child, nil
}

// Void cancels a draft or sent contract and consumes any open invites.
func (s *ContractService) Void(contractID uint, actorUserID uint, now time.Time) (*models.Contract, error) {
	var c models.Contract
	if err := s.DB.First(&c, contractID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if c.Status != models.ContractDraft && c.Status != models.ContractSent {
		return nil, ErrConflict
	}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&c).Update("status", models.ContractVoid).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.SignatureInvite{}).
			Where("contract_id = ? AND consumed_at IS NULL", c.ID).
			Update("consumed_at", now.UTC()).Error; err != nil {
			return err
		}
		return s.recordEvent(tx, c.ID, fmt.Sprintf("user:%d", actorUserID), "voided", "")
	})
	if err != nil {
		return nil, err
	}
	c.Status = models.ContractVoid
	return &c, nil
}

// ExpireIfDue flips a signed contract to expired once its expiry date has
// passed. There is no background sweep; the transition happens lazily on the
// next read, which is enough because expiry only matters when someone looks.
func (s *ContractService) ExpireIfDue(c *models.Contract, now time.Time) error {
	if c.Status != models.ContractSigned || c.ExpiryDate == nil || !now.After(*c.ExpiryDate) {
		return nil
	}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(c).Update("status", models.ContractExpired).Error; err != nil {
			return err
		}
		return s.recordEvent(tx, c.ID, "system", "expired", "expiry date "+c.ExpiryDate.UTC().Format("2006-01-02")+" passed")
	})
	if err != nil {
		return err
	}
	c.Status = models.ContractExpired
	return nil
}

// Render returns the substituted body for a contract.
func (s *ContractService) Render(c *models.Contract) (string, error) {
	var contact models.Contact
	if err := s.DB.First(&contact, c.ContactID).Error; err != nil {
		return "", err
	}
	var account models.Account
	if err := s.DB.First(&account, c.AccountID).Error; err != nil {
		return "", err
	}
	return RenderTemplate(c.Body, ContractVars(c, &contact, &account)), nil
}

// RecordEvent appends to the audit trail outside a lifecycle transaction
// (e.g. on handler-side create/update).
func (s *ContractService) RecordEvent(contractID uint, actor, kind, detail string) error {
	return s.recordEvent(s.DB, contractID, actor, kind, detail)
}

func (s *ContractService) recordEvent(tx *gorm.DB, contractID uint, actor, kind, detail string) error {
	return tx.Create(&models.ContractEvent{ContractID: contractID, Actor: actor, Kind: kind, Detail: detail}).Error
}

// touchContact bumps last_activity_at; failures are swallowed.
func (s *ContractService) touchContact(contactID uint, now time.Time) {
	_ = s.DB.Model(&models.Contact{}).Where("id = ?", contactID).
		Update("last_activity_at", now.UTC()).Error
}
