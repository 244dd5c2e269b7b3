// Package modem sends text messages through a GSM modem attached to a serial port.
package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tarm/serial"

	"go.r2bridge.org/internal/errorbehavior"
	"go.r2bridge.org/internal/gateway"
)

const ctrlZ = "\x1a"

var ErrModem = errors.New("modem error")

type Settings struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
}

// Modem speaks the text-mode AT command set (AT+CMGF=1, AT+CMGS).
type Modem struct {
	Settings Settings
	open     func(Settings) (io.ReadWriteCloser, error)
	port     io.ReadWriteCloser
	reader   *bufio.Reader
}

var _ gateway.SenderClient = (*Modem)(nil)

func New(s Settings) *Modem {
	if s.Baud == 0 {
		s.Baud = 115200
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 5 * time.Second
	}
	return &Modem{Settings: s, open: openSerial}
}

func openSerial(s Settings) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{Name: s.Port, Baud: s.Baud, ReadTimeout: s.ReadTimeout})
}

func (m *Modem) GatewayName() string {
	return "modem"
}

func (m *Modem) GetConcurrencyMax() int {
	return 1
}

func (m *Modem) PreSend(ctx context.Context) error {
	_ = m.PostSend(ctx)
	port, err := m.open(m.Settings)
	if err != nil {
		return errorbehavior.WrapRetryable(fmt.Errorf("failed to open serial port %s: %w", m.Settings.Port, err))
	}
	m.port = port
	m.reader = bufio.NewReader(port)
	for _, cmd := range []string{"ATE0", "AT+CMGF=1"} {
		if _, err := m.command(cmd+"\r", "OK"); err != nil {
			_ = m.PostSend(ctx)
			return errorbehavior.WrapRetryable(fmt.Errorf("%s failed: %w", cmd, err))
		}
	}
	return nil
}

func (m *Modem) PostSend(ctx context.Context) error {
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	m.reader = nil
	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

func (m *Modem) Send(ctx context.Context, to string, msg string) error {
	if m.port == nil {
		if err := m.PreSend(ctx); err != nil {
			return err
		}
	}
	if strings.ContainsAny(to, "\"\r\n") {
		return errorbehavior.WrapNonRetryable(fmt.Errorf("invalid phone number %q", to))
	}
	if _, err := m.command(fmt.Sprintf("AT+CMGS=\"%s\"\r", to), ">"); err != nil {
		return errorbehavior.WrapRetryable(fmt.Errorf("AT+CMGS failed: %w", err))
	}
	// after the prompt the modem owns the message; a failure here may still have sent it
	if _, err := m.command(strings.ReplaceAll(msg, ctrlZ, "")+ctrlZ, "OK"); err != nil {
		return errorbehavior.WrapNonRetryable(fmt.Errorf("message body rejected: %w", err))
	}
	return nil
}

// command writes cmd and reads lines until one starts with want.
// ERROR and +CMS ERROR lines fail the command.
func (m *Modem) command(cmd string, want string) ([]string, error) {
	if _, err := io.WriteString(m.port, cmd); err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}
	var lines []string
	for {
		line, err := m.readToken(want)
		if err != nil {
			return lines, fmt.Errorf("read failed: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, want):
			return lines, nil
		case line == "ERROR", strings.HasPrefix(line, "+CMS ERROR"), strings.HasPrefix(line, "+CME ERROR"):
			return lines, fmt.Errorf("%w: %s", ErrModem, line)
		}
		lines = append(lines, line)
	}
}

// readToken reads a line, or just the prompt when waiting for one.
// The message prompt "> " is not followed by a newline.
func (m *Modem) readToken(want string) (string, error) {
	if want != ">" {
		return m.reader.ReadString('\n')
	}
	var sb strings.Builder
	for {
		b, err := m.reader.ReadByte()
		if err != nil {
			return sb.String(), err
		}
		sb.WriteByte(b)
		if b == '>' || b == '\n' {
			return sb.String(), nil
		}
	}
}
