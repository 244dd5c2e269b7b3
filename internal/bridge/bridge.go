// Package bridge answers the shell's calls on the r2_sms_channel channel.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.r2bridge.org/internal/bluetooth"
	"go.r2bridge.org/internal/channel"
	"go.r2bridge.org/internal/outbox"
)

const ChannelName = "r2_sms_channel"

const (
	MethodSendSMS             = "sendSMS"
	MethodEnableAudioProfiles = "enableAudioProfiles"
	MethodGetSMSStatus        = "getSMSStatus"
)

const (
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeInvalidAddress   = "INVALID_ADDRESS"
	CodeNotFound         = "NOT_FOUND"
	CodeSubmitFailed     = "SUBMIT_FAILED"
)

// ErrEngineUnavailable is returned by Attach when there is no messenger to register with.
var ErrEngineUnavailable = errors.New("messenger unavailable, no handler registered")

// SMSService is the messaging service sendSMS submits to.
type SMSService interface {
	Submit(ctx context.Context, phoneNumber, body string) (outbox.Message, error)
	Get(id string) (outbox.Message, error)
}

// AudioConnector starts the audio profile connections of a device without waiting for them.
type AudioConnector interface {
	ConnectAudio(address string) []*bluetooth.Attempt
}

type Bridge struct {
	sms         SMSService
	audio       AudioConnector
	notifier    *Notifier
	loggerInfo  *log.Logger
	loggerDebug *log.Logger
}

type bridgeConfig struct {
	notifier *Notifier
}

// WithNotifier attaches n to the channel together with the handler.
func WithNotifier(n *Notifier) func(c *bridgeConfig) error {
	return func(c *bridgeConfig) error {
		if n == nil {
			return fmt.Errorf("nil notifier")
		}
		c.notifier = n
		return nil
	}
}

func New(sms SMSService, audio AudioConnector, loggerInfo, loggerDebug *log.Logger, options ...func(*bridgeConfig) error) (*Bridge, error) {
	var config bridgeConfig
	for _, option := range options {
		if err := option(&config); err != nil {
			return nil, fmt.Errorf("config error: %s", err)
		}
	}
	if sms == nil || audio == nil {
		return nil, fmt.Errorf("sms service and audio connector are required")
	}
	return &Bridge{
		sms:         sms,
		audio:       audio,
		notifier:    config.notifier,
		loggerInfo:  log.New(loggerInfo.Writer(), loggerInfo.Prefix()+"[bridge] ", loggerInfo.Flags()),
		loggerDebug: log.New(loggerDebug.Writer(), loggerDebug.Prefix()+"[bridge] ", loggerDebug.Flags()),
	}, nil
}

// Attach registers the handler on m. With a nil m nothing is registered,
// so calls from the shell never get a reply.
func (b *Bridge) Attach(m channel.Messenger) error {
	if m == nil {
		b.loggerInfo.Printf("cannot register %s handler: %s\n", ChannelName, ErrEngineUnavailable)
		return ErrEngineUnavailable
	}
	ch := channel.NewMethodChannel(m, ChannelName)
	ch.SetMethodCallHandler(b.HandleMethodCall)
	if b.notifier != nil {
		b.notifier.attach(ch)
	}
	b.loggerDebug.Printf("handler registered on %s\n", ChannelName)
	return nil
}

// HandleMethodCall answers one call. Only argument errors are reported to the
// caller; delivery and connection outcomes are logged and notified later.
func (b *Bridge) HandleMethodCall(ctx context.Context, call channel.MethodCall) (interface{}, error) {
	switch call.Method {
	case MethodSendSMS:
		return b.sendSMS(ctx, call)
	case MethodEnableAudioProfiles:
		return b.enableAudioProfiles(call)
	case MethodGetSMSStatus:
		return b.getSMSStatus(call)
	}
	b.loggerDebug.Printf("method %q not implemented\n", call.Method)
	return nil, channel.ErrNotImplemented
}

func (b *Bridge) sendSMS(ctx context.Context, call channel.MethodCall) (interface{}, error) {
	phoneNumber, okPhone := call.StringArgument("phoneNumber")
	message, okMessage := call.StringArgument("message")
	if !okPhone || !okMessage {
		return nil, channel.NewError(CodeInvalidArguments, "phoneNumber and message are required")
	}
	m, err := b.sms.Submit(ctx, phoneNumber, message)
	if err != nil {
		b.loggerInfo.Printf("SMS to %s not submitted: %s\n", phoneNumber, err)
		return nil, channel.NewError(CodeSubmitFailed, err.Error())
	}
	b.loggerDebug.Printf("SMS %s to %s submitted\n", m.ID, phoneNumber)
	return true, nil
}

func (b *Bridge) enableAudioProfiles(call channel.MethodCall) (interface{}, error) {
	raw, ok := call.StringArgument("deviceAddress")
	if !ok {
		return nil, channel.NewError(CodeInvalidAddress, "deviceAddress is required")
	}
	address, err := bluetooth.ParseAddress(raw)
	if err != nil {
		return nil, channel.NewError(CodeInvalidAddress, err.Error())
	}
	b.audio.ConnectAudio(address)
	return nil, nil
}

func (b *Bridge) getSMSStatus(call channel.MethodCall) (interface{}, error) {
	id, ok := call.StringArgument("id")
	if !ok {
		return nil, channel.NewError(CodeInvalidArguments, "id is required")
	}
	m, err := b.sms.Get(id)
	if errors.Is(err, outbox.ErrNotFound) {
		return nil, channel.NewError(CodeNotFound, fmt.Sprintf("no message with id %q", id))
	}
	if err != nil {
		return nil, err
	}
	return m.ToMap(), nil
}
