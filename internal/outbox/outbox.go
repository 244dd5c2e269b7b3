// Package outbox is the messaging service behind sendSMS.
//
// A submitted message is stored as queued before Submit returns, then handed
// to a worker pool that delivers it through the configured gateway and
// records the outcome. Submit never waits for delivery.
package outbox

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"

	"go.r2bridge.org/internal/dbutil"
	"go.r2bridge.org/internal/errorbehavior"
	"go.r2bridge.org/internal/gateway"
	"go.r2bridge.org/internal/workerpool"
)

type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

var (
	ErrNotFound = errors.New("message not found")
	ErrClosed   = errors.New("outbox is closed")
)

type Message struct {
	ID          ulid.ULID
	PhoneNumber string
	Body        string
	Gateway     string
	Status      Status
	ErrorStr    string
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (m Message) DBTable() string {
	return "outbox.message"
}

func (m Message) DBKey() []byte {
	return m.ID[:]
}

func (m Message) String() string {
	var errorStr string
	if m.ErrorStr != "" {
		errorStr = ", error=" + m.ErrorStr
	}
	return fmt.Sprintf("message %s to %s: %s%s", m.ID, m.PhoneNumber, m.Status, errorStr)
}

// ToMap is the representation returned to the shell.
func (m Message) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":          m.ID.String(),
		"phoneNumber": m.PhoneNumber,
		"message":     m.Body,
		"gateway":     m.Gateway,
		"status":      string(m.Status),
		"error":       m.ErrorStr,
		"attempts":    int64(m.Attempts),
		"createdAt":   m.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":   m.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type Service struct {
	db          *bolt.DB
	sender      gateway.SenderClient
	pool        *workerpool.Pool
	retries     int
	loggerInfo  *log.Logger
	loggerDebug *log.Logger
	onResult    func(Message)
	limits      Limits
	now         func() time.Time
	stop        chan struct{}
	stopOnce    sync.Once

	// the sender holds a single connection
	senderMu  sync.Mutex
	connected bool
}

type serviceConfig struct {
	retries    int
	retryDelay time.Duration
	onResult   func(Message)
	limits     Limits
}

func Retries(n int) func(c *serviceConfig) error {
	return func(c *serviceConfig) error {
		if n < 0 {
			return fmt.Errorf("negative retries %d", n)
		}
		c.retries = n
		return nil
	}
}

func RetryDelay(d time.Duration) func(c *serviceConfig) error {
	return func(c *serviceConfig) error {
		c.retryDelay = d
		return nil
	}
}

// OnResult registers f to be called once per message when delivery finished, sent or failed.
func OnResult(f func(Message)) func(c *serviceConfig) error {
	return func(c *serviceConfig) error {
		c.onResult = f
		return nil
	}
}

func SendLimits(l Limits) func(c *serviceConfig) error {
	return func(c *serviceConfig) error {
		if l.PerMinute < 0 || l.PerHour < 0 || l.PerDay < 0 {
			return fmt.Errorf("negative send limit %+v", l)
		}
		c.limits = l
		return nil
	}
}

func New(db *bolt.DB, sender gateway.SenderClient, loggerInfo, loggerDebug *log.Logger, options ...func(*serviceConfig) error) (*Service, error) {
	config := serviceConfig{retryDelay: 5 * time.Second}
	for _, option := range options {
		if err := option(&config); err != nil {
			return nil, fmt.Errorf("config error: %s", err)
		}
	}
	s := &Service{
		db:          db,
		sender:      sender,
		retries:     config.retries,
		loggerInfo:  log.New(loggerInfo.Writer(), loggerInfo.Prefix()+"[outbox] ", loggerInfo.Flags()),
		loggerDebug: log.New(loggerDebug.Writer(), loggerDebug.Prefix()+"[outbox] ", loggerDebug.Flags()),
		onResult:    config.onResult,
		limits:      config.limits,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	pool, err := workerpool.NewPool(sender.GetConcurrencyMax(),
		workerpool.Name("outbox"),
		workerpool.Retries(config.retries),
		workerpool.RetryDelay(config.retryDelay),
		workerpool.LoggerDebug(s.loggerDebug),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Submit stores the message as queued and schedules its delivery.
func (s *Service) Submit(ctx context.Context, phoneNumber, body string) (Message, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), crand.Reader)
	if err != nil {
		return Message{}, fmt.Errorf("failed to generate message id: %w", err)
	}
	now := time.Now()
	m := Message{
		ID:          id,
		PhoneNumber: phoneNumber,
		Body:        body,
		Gateway:     s.sender.GatewayName(),
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := dbutil.InsertSaveable(s.db, m); err != nil {
		return Message{}, fmt.Errorf("failed to store message: %w", err)
	}
	if !s.schedule(m) {
		// a queued row would be sent by the next Resume
		m.Status = StatusFailed
		m.ErrorStr = ErrClosed.Error()
		if err := dbutil.UpsertSaveable(s.db, m); err != nil {
			s.loggerInfo.Printf("failed to store status of message %s: %s\n", m.ID, err)
		}
		return Message{}, ErrClosed
	}
	s.loggerDebug.Printf("%s queued\n", m)
	return m, nil
}

// Resume schedules the messages still queued from a previous run.
func (s *Service) Resume() (int, error) {
	var queued []Message
	err := dbutil.ForEach(s.db, func(k []byte, m Message) error {
		if m.Status == StatusQueued {
			queued = append(queued, m)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox: %w", err)
	}
	for _, m := range queued {
		s.schedule(m)
	}
	if len(queued) > 0 {
		s.loggerInfo.Printf("resumed %d queued message(s)\n", len(queued))
	}
	return len(queued), nil
}

func (s *Service) Get(id string) (Message, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return Message{}, fmt.Errorf("invalid message id %q: %w", id, ErrNotFound)
	}
	m := Message{ID: parsed}
	err = dbutil.GetByKey(s.db, m.DBKey(), &m)
	if errors.Is(err, dbutil.ErrNotFound) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("database error: %w", err)
	}
	return m, nil
}

func (s *Service) List(limit int) ([]Message, error) {
	return List(s.db, limit)
}

// List returns up to limit stored messages, newest first. limit <= 0 means all.
func List(db *bolt.DB, limit int) ([]Message, error) {
	errLimit := errors.New("limit reached")
	var ms []Message
	err := dbutil.ForEachReverse(db, func(k []byte, m Message) error {
		if limit > 0 && len(ms) >= limit {
			return errLimit
		}
		ms = append(ms, m)
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	return ms, nil
}

// Close waits for scheduled deliveries and releases the gateway connection.
// A delivery waiting for the per-minute limit is left queued for Resume.
func (s *Service) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.pool.StopAndWait()
	s.senderMu.Lock()
	defer s.senderMu.Unlock()
	s.connected = false
	return s.sender.PostSend(ctx)
}

func (s *Service) schedule(m Message) bool {
	return s.pool.Submit(func(workerID int, attempt int) error {
		return s.deliver(m, attempt)
	})
}

func (s *Service) deliver(m Message, attempt int) error {
	ctx := context.Background()
	errSend := s.send(ctx, m)
	if errors.Is(errSend, ErrClosed) {
		s.loggerDebug.Printf("%s left queued\n", m)
		return nil
	}
	m.Attempts = attempt + 1
	m.UpdatedAt = time.Now()
	final := errSend == nil || !errorbehavior.IsRetryable(errSend) || attempt >= s.retries
	switch {
	case errSend == nil:
		m.Status = StatusSent
		m.ErrorStr = ""
		s.loggerDebug.Printf("%s\n", m)
	case final:
		m.Status = StatusFailed
		m.ErrorStr = errSend.Error()
		s.loggerInfo.Printf("delivery failed: %s\n", m)
	default:
		m.ErrorStr = errSend.Error()
		s.loggerDebug.Printf("attempt %d failed, will retry: %s\n", m.Attempts, errSend)
	}
	if err := dbutil.UpsertSaveable(s.db, m); err != nil {
		s.loggerInfo.Printf("failed to store status of message %s: %s\n", m.ID, err)
	}
	if final && s.onResult != nil {
		s.onResult(m)
	}
	return errSend
}

func (s *Service) send(ctx context.Context, m Message) error {
	s.senderMu.Lock()
	defer s.senderMu.Unlock()
	if !s.connected {
		if err := s.sender.PreSend(ctx); err != nil {
			return fmt.Errorf("preSend() failed: %w", err)
		}
		s.connected = true
	}
	for {
		wait, err := s.checkLimits(s.now())
		if err != nil {
			return errorbehavior.WrapRetryable(err)
		}
		if wait == 0 {
			break
		}
		s.loggerDebug.Printf("per-minute limit reached, sleeping for %v\n", wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.stop:
			timer.Stop()
			return ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	err := s.sender.Send(ctx, m.PhoneNumber, m.Body)
	if err != nil {
		// reconnect before the next message in case the connection is the problem
		if errPost := s.sender.PostSend(ctx); errPost != nil {
			s.loggerDebug.Printf("PostSend() failed: %v\n", errPost)
		}
		s.connected = false
		return err
	}
	if err := s.countSent(s.now()); err != nil {
		s.loggerInfo.Printf("failed to count sent message: %s\n", err)
	}
	return nil
}
