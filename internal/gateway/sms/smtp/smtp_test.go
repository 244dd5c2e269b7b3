package smtp

import (
	"errors"
	"testing"

	"github.com/emersion/go-smtp"

	"go.r2bridge.org/internal/errorbehavior"
)

func TestRecipient(t *testing.T) {
	got, err := Recipient("+1 (555) 123-4567", "txt.example.net")
	if err != nil {
		t.Fatalf("[ERROR] Recipient failed: %s", err)
	}
	if got != "15551234567@txt.example.net" {
		t.Errorf("[ERROR] unexpected recipient %s", got)
	}
	if _, err := Recipient("+1 555 CALL-NOW", "txt.example.net"); err == nil {
		t.Error("[ERROR] letters in the phone number must be rejected")
	}
	if _, err := Recipient("+()", "txt.example.net"); err == nil {
		t.Error("[ERROR] a number without digits must be rejected")
	}
}

func TestSMTPErrorClassification(t *testing.T) {
	if !errorbehavior.IsRetryable(smtpError("Rcpt", &smtp.SMTPError{Code: 451, Message: "try later"})) {
		t.Error("[ERROR] 4xx should be retryable")
	}
	if errorbehavior.IsRetryable(smtpError("Rcpt", &smtp.SMTPError{Code: 550, Message: "no such user"})) {
		t.Error("[ERROR] 5xx should not be retryable")
	}
	if !errorbehavior.IsRetryable(smtpError("Mail", errors.New("connection reset"))) {
		t.Error("[ERROR] transport errors should be retryable")
	}
}

func TestNewSenderClientValidation(t *testing.T) {
	if _, err := NewSenderClient(Account{GatewayDomain: "txt.example.net", From: "r2@example.org"}); err == nil {
		t.Error("[ERROR] missing host must be rejected")
	}
	if _, err := NewSenderClient(Account{Host: "smtp.example.org", From: "r2@example.org"}); err == nil {
		t.Error("[ERROR] missing gateway domain must be rejected")
	}
	if _, err := NewSenderClient(Account{Host: "smtp.example.org", GatewayDomain: "txt.example.net", From: "not an address"}); err == nil {
		t.Error("[ERROR] invalid sender must be rejected")
	}
	c, err := NewSenderClient(Account{Host: "smtp.example.org", GatewayDomain: "txt.example.net", From: "R2 <r2@example.org>"})
	if err != nil {
		t.Fatalf("[ERROR] NewSenderClient failed: %s", err)
	}
	if c.GatewayName() != "smtp" || c.GetConcurrencyMax() != 1 {
		t.Error("[ERROR] unexpected gateway description")
	}
}
