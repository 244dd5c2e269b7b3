// Package smtp sends text messages through a carrier's email-to-SMS gateway.
package smtp

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"go.r2bridge.org/internal/errorbehavior"
	"go.r2bridge.org/internal/gateway"
)

type Account struct {
	Host                      string
	Port                      int
	Username                  string
	Password                  string
	AuthType                  string
	ConnectionEncryption      string
	TLSInsecureSkipVerify     bool
	HELOHost                  string
	From                      string
	GatewayDomain             string
	Subject                   string
	ConnectionReuseCountLimit int
}

type SenderClientSMTP struct {
	Account                Account
	saslClient             sasl.Client
	TLSConfig              *tls.Config
	conn                   *smtp.Client
	connectionReuseCounter int
	connectionReuseStarted time.Time
}

var _ gateway.SenderClient = (*SenderClientSMTP)(nil)

func NewSenderClient(acc Account) (*SenderClientSMTP, error) {
	if acc.Host == "" {
		return nil, fmt.Errorf("SMTP host not set")
	}
	if acc.GatewayDomain == "" {
		return nil, fmt.Errorf("email-to-SMS gateway domain not set")
	}
	if _, err := mail.ParseAddress(acc.From); err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %s", acc.From, err)
	}
	return &SenderClientSMTP{Account: acc}, nil
}

func (c *SenderClientSMTP) GatewayName() string {
	return "smtp"
}

func (c *SenderClientSMTP) GetConcurrencyMax() int {
	return 1
}

// Recipient maps a phone number to its gateway address: "+1 (555) 123-4567" -> "15551234567@domain".
func Recipient(phoneNumber, domain string) (string, error) {
	var digits strings.Builder
	for _, r := range phoneNumber {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("invalid character %q in phone number", r)
		}
	}
	if digits.Len() == 0 {
		return "", fmt.Errorf("phone number has no digits")
	}
	return digits.String() + "@" + domain, nil
}

func (c *SenderClientSMTP) PreSend(ctx context.Context) error {
	var err error
	_ = c.PostSend(ctx)
	c.connectionReuseCounter = 0
	c.connectionReuseStarted = time.Now()
	switch c.Account.AuthType {
	case "PLAIN", "":
		c.saslClient = sasl.NewPlainClient("", c.Account.Username, c.Account.Password)
	case "NONE":
	default:
		return fmt.Errorf("unknown auth type %s", c.Account.AuthType)
	}
	c.TLSConfig = &tls.Config{
		InsecureSkipVerify: c.Account.TLSInsecureSkipVerify,
		ServerName:         c.Account.Host,
	}
	switch c.Account.ConnectionEncryption {
	case "STARTTLS", "":
		c.conn, err = smtp.Dial(fmt.Sprintf("%s:%d", c.Account.Host, c.port(587)))
		if err != nil {
			return errorbehavior.WrapRetryable(fmt.Errorf("smtp.Dial failed: %s", err))
		}
		if ok, _ := c.conn.Extension("STARTTLS"); !ok {
			_ = c.PostSend(ctx)
			return fmt.Errorf("server does not support STARTTLS")
		}
		if err = c.conn.StartTLS(c.TLSConfig); err != nil {
			_ = c.PostSend(ctx)
			return errorbehavior.WrapRetryable(fmt.Errorf("SMTP StartTLS failed: %s", err))
		}
	case "TLS":
		c.conn, err = smtp.DialTLS(fmt.Sprintf("%s:%d", c.Account.Host, c.port(465)), c.TLSConfig)
		if err != nil {
			return errorbehavior.WrapRetryable(fmt.Errorf("smtp.DialTLS failed: %s", err))
		}
	case "INSECURE":
		c.conn, err = smtp.Dial(fmt.Sprintf("%s:%d", c.Account.Host, c.port(587)))
		if err != nil {
			return errorbehavior.WrapRetryable(fmt.Errorf("smtp.Dial failed: %s", err))
		}
	default:
		return fmt.Errorf("invalid connection encryption value: %v", c.Account.ConnectionEncryption)
	}
	if c.Account.HELOHost != "" {
		err = c.conn.Hello(c.Account.HELOHost)
		if err != nil {
			_ = c.PostSend(ctx)
			return fmt.Errorf("SMTP HELO failed: %s", err)
		}
	}
	if c.Account.AuthType == "NONE" {
		return nil
	}
	err = c.conn.Auth(c.saslClient)
	if err != nil {
		_ = c.PostSend(ctx)
		var errSMTP *smtp.SMTPError
		if errors.As(err, &errSMTP) {
			return fmt.Errorf("SMTP Auth failed with code %d: %v", errSMTP.Code, errSMTP)
		}
		return fmt.Errorf("SMTP Auth failed: %s", err)
	}
	return nil
}

func (c *SenderClientSMTP) port(def int) int {
	if c.Account.Port != 0 {
		return c.Account.Port
	}
	return def
}

func (c *SenderClientSMTP) PostSend(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Quit()
	if err != nil {
		err := c.conn.Close()
		if err != nil {
			c.conn = nil
			return fmt.Errorf("SMTP conn.Close() failed: %s", err)
		}
	}
	c.conn = nil
	return nil
}

func (c *SenderClientSMTP) Send(ctx context.Context, to string, msg string) error {
	rcpt, err := Recipient(to, c.Account.GatewayDomain)
	if err != nil {
		return errorbehavior.WrapNonRetryable(err)
	}
	if c.conn == nil ||
		c.Account.ConnectionReuseCountLimit < 2 ||
		c.connectionReuseCounter >= c.Account.ConnectionReuseCountLimit ||
		time.Since(c.connectionReuseStarted) >= 300*time.Second { // 300s is postfix's default value for smtp_connection_reuse_time_limit
		err := c.PreSend(ctx)
		if err != nil {
			return errorbehavior.WrapRetryable(fmt.Errorf("failed to connect to server: %s", err))
		}
	}
	c.connectionReuseCounter++
	fromParsed, err := mail.ParseAddress(c.Account.From)
	if err != nil {
		return fmt.Errorf("failed to parse sender address %s: %s", c.Account.From, err)
	}

	err = c.conn.Mail(fromParsed.Address, nil)
	if err != nil {
		return smtpError("Mail", err)
	}
	err = c.conn.Rcpt(rcpt)
	if err != nil {
		return smtpError("Rcpt", err)
	}

	var header mail.Header
	header.SetContentType("text/plain", map[string]string{"charset": "UTF-8"})
	header.SetDate(time.Now().UTC())
	header.SetAddressList("From", []*mail.Address{fromParsed})
	header.SetAddressList("To", []*mail.Address{{Address: rcpt}})
	header.SetMessageID(generateMessageID(to, msg, c.Account.Host))
	if c.Account.Subject != "" {
		header.SetSubject(c.Account.Subject)
	}

	dataWriter, err := c.conn.Data()
	if err != nil {
		return smtpError("Data", err)
	}
	dataBodyWriter, err := mail.CreateSingleInlineWriter(dataWriter, header)
	if err != nil {
		dataWriter.Close()
		return errorbehavior.WrapRetryable(fmt.Errorf("mail.CreateSingleInlineWriter() failed: %s", err))
	}
	if _, err = io.Copy(dataBodyWriter, strings.NewReader(msg)); err != nil {
		dataWriter.Close()
		return errorbehavior.WrapRetryable(fmt.Errorf("io.Copy() failed: %s", err))
	}
	if err = dataBodyWriter.Close(); err != nil {
		dataWriter.Close()
		return errorbehavior.WrapRetryable(fmt.Errorf("closing message body failed: %s", err))
	}
	// the server accepts or rejects the message when DATA is terminated
	if err = dataWriter.Close(); err != nil {
		return errorbehavior.WrapNonRetryable(fmt.Errorf("SMTP Data close failed: %s", err))
	}
	return nil
}

// smtpError marks 4xx replies retryable and 5xx replies not.
func smtpError(stage string, err error) error {
	var errSMTP *smtp.SMTPError
	if errors.As(err, &errSMTP) {
		err = fmt.Errorf("SMTP %s failed with code %d: %v", stage, errSMTP.Code, errSMTP)
		if errSMTP.Code >= 500 {
			return errorbehavior.WrapNonRetryable(err)
		}
		return errorbehavior.WrapRetryable(err)
	}
	return errorbehavior.WrapRetryable(fmt.Errorf("SMTP %s failed: %s", stage, err))
}

func generateMessageID(to, msg, domain string) string {
	h := sha256.New()
	h.Write([]byte(to))
	h.Write([]byte(msg))
	h.Write([]byte(time.Now().String()))
	id := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(h.Sum(nil)[:16])
	return fmt.Sprintf("%s@%s", id, domain)
}
