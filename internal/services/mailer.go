package services

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"time"

	"github.com/diewo77/go-crm/internal/models"

	"gorm.io/gorm"
)

// Mailer sends one message. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(to, subject, body string) error
}

// SMTPMailer delivers through a plain SMTP relay (addr "host:port").
// No auth: the relay is expected to be internal.
type SMTPMailer struct {
	Addr string
	From string
}

func (m *SMTPMailer) Send(to, subject, body string) error {
	if m.Addr == "" {
		return fmt.Errorf("smtp not configured")
	}
	msg := strings.Join([]string{
		"From: " + m.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")
	return smtp.SendMail(m.Addr, nil, m.From, []string{to}, []byte(msg))
}

// RecordingMailer captures messages in memory; used in tests.
type RecordingMailer struct {
	Sent []RecordedMail
	Fail bool
}

type RecordedMail struct {
	To, Subject, Body string
}

func (m *RecordingMailer) Send(to, subject, body string) error {
	if m.Fail {
		return fmt.Errorf("forced failure")
	}
	m.Sent = append(m.Sent, RecordedMail{To: to, Subject: subject, Body: body})
	return nil
}

// MailLog wraps a Mailer and persists every attempt as an EmailLog row.
// Delivery is best-effort: errors are logged, never propagated, so a broken
// relay cannot fail a booking or a signature send.
type MailLog struct {
	DB     *gorm.DB
	Mailer Mailer
}

func (l *MailLog) Send(contractID *uint, to, subject, body string) {
	entry := models.EmailLog{ContractID: contractID, To: to, Subject: subject, Body: body, SentAt: time.Now().UTC()}
	if err := l.Mailer.Send(to, subject, body); err != nil {
		entry.Error = err.Error()
		log.Printf("mail to %s failed: %v", to, err)
	}
	if err := l.DB.Create(&entry).Error; err != nil {
		log.Printf("email log write failed: %v", err)
	}
}
