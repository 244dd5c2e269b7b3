// Package channel carries named method calls between the shell and the bridge.
//
// A Messenger multiplexes any number of named channels over one stream. A
// MethodChannel is the per-name view: it registers the handler for incoming
// calls and invokes methods on the other side. Every call gets exactly one
// reply.
package channel

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotImplemented is the reply for a method the receiver does not know.
// It is distinct from *Error, which reports a known method that failed.
var ErrNotImplemented = errors.New("method not implemented")

// Error is a typed failure reply.
type Error struct {
	Code    string
	Message string
	Details interface{}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// MethodCall is one incoming or outgoing call.
type MethodCall struct {
	Method    string
	Arguments map[string]interface{}
}

// Argument returns the value for key. A key present with a nil value reports ok=true.
func (c MethodCall) Argument(key string) (interface{}, bool) {
	v, ok := c.Arguments[key]
	return v, ok
}

// StringArgument returns the value for key if it is a non-nil string.
func (c MethodCall) StringArgument(key string) (string, bool) {
	s, ok := c.Arguments[key].(string)
	return s, ok
}

// Handler answers a call. The returned error is sent as the failure reply:
// *Error keeps its code, ErrNotImplemented becomes the not-implemented
// reply and anything else is reported with code "ERROR".
type Handler func(ctx context.Context, call MethodCall) (interface{}, error)

type Messenger interface {
	// SetHandler registers h for channel. A nil h removes the handler.
	SetHandler(channel string, h Handler)
	// Invoke sends call on channel and waits for its reply.
	Invoke(ctx context.Context, channel string, call MethodCall) (interface{}, error)
}

type MethodChannel struct {
	name      string
	messenger Messenger
}

func NewMethodChannel(messenger Messenger, name string) *MethodChannel {
	return &MethodChannel{name: name, messenger: messenger}
}

func (c *MethodChannel) Name() string {
	return c.name
}

func (c *MethodChannel) SetMethodCallHandler(h Handler) {
	c.messenger.SetHandler(c.name, h)
}

func (c *MethodChannel) InvokeMethod(ctx context.Context, method string, arguments map[string]interface{}) (interface{}, error) {
	result, err := c.messenger.Invoke(ctx, c.name, MethodCall{Method: method, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("%s.%s failed: %w", c.name, method, err)
	}
	return result, nil
}
