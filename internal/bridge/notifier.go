package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"go.r2bridge.org/internal/bluetooth"
	"go.r2bridge.org/internal/channel"
	"go.r2bridge.org/internal/outbox"
)

const (
	MethodOnSMSResult          = "onSMSResult"
	MethodOnAudioProfileResult = "onAudioProfileResult"
)

// Notifier reports asynchronous outcomes back to the shell. Until the bridge
// is attached, and after Close, outcomes are only logged.
type Notifier struct {
	timeout     time.Duration
	loggerDebug *log.Logger

	mu      sync.Mutex
	channel *channel.MethodChannel
	closed  bool
	wg      sync.WaitGroup
}

// NewNotifier creates a notifier whose calls to the shell give up after timeout.
func NewNotifier(timeout time.Duration, loggerDebug *log.Logger) *Notifier {
	return &Notifier{
		timeout:     timeout,
		loggerDebug: log.New(loggerDebug.Writer(), loggerDebug.Prefix()+"[notify] ", loggerDebug.Flags()),
	}
}

func (n *Notifier) attach(ch *channel.MethodChannel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channel = ch
}

// SMSResult is an outbox.OnResult callback.
func (n *Notifier) SMSResult(m outbox.Message) {
	n.send(MethodOnSMSResult, map[string]interface{}{
		"id":          m.ID.String(),
		"phoneNumber": m.PhoneNumber,
		"ok":          m.Status == outbox.StatusSent,
		"error":       m.ErrorStr,
	})
}

// AudioProfileResult is a bluetooth.OnEvent callback.
func (n *Notifier) AudioProfileResult(e bluetooth.Event) {
	var errorStr string
	if e.Err != nil {
		errorStr = e.Err.Error()
	}
	n.send(MethodOnAudioProfileResult, map[string]interface{}{
		"deviceAddress": e.Address,
		"profile":       e.Profile.String(),
		"ok":            e.Err == nil,
		"error":         errorStr,
	})
}

// Close stops sending and waits for notifications in flight.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}

// send does not block the caller, which is a delivery worker or a Bluetooth callback.
func (n *Notifier) send(method string, args map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channel == nil || n.closed {
		n.loggerDebug.Printf("%s not sent, shell not attached: %v\n", method, args)
		return
	}
	ch := n.channel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if _, err := ch.InvokeMethod(ctx, method, args); err != nil {
			n.loggerDebug.Printf("%s failed: %s\n", method, err)
		}
	}()
}
