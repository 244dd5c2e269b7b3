package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net"
	"testing"
	"time"
)

func newPair(t *testing.T) (shell, bridge *StreamMessenger) {
	t.Helper()
	a, b := net.Pipe()
	logger := log.New(io.Discard, "", 0)
	shell = NewStreamMessenger(a, logger, logger)
	bridge = NewStreamMessenger(b, logger, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go shell.Serve(ctx)
	go bridge.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		shell.Close()
		bridge.Close()
	})
	return shell, bridge
}

func TestInvokeRoundTrip(t *testing.T) {
	shell, bridge := newPair(t)
	var got MethodCall
	NewMethodChannel(bridge, "r2_sms_channel").SetMethodCallHandler(func(ctx context.Context, call MethodCall) (interface{}, error) {
		got = call
		return true, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := NewMethodChannel(shell, "r2_sms_channel").InvokeMethod(ctx, "sendSMS", map[string]interface{}{
		"phoneNumber": "+15551234567",
		"message":     "hi",
		"extra":       map[string]interface{}{"nested": "yes"},
	})
	if err != nil {
		t.Fatalf("[ERROR] invoke failed: %s", err)
	}
	if result != true {
		t.Errorf("[ERROR] expected true, got %#v", result)
	}
	if got.Method != "sendSMS" {
		t.Errorf("[ERROR] handler saw method %q", got.Method)
	}
	if s, _ := got.StringArgument("phoneNumber"); s != "+15551234567" {
		t.Errorf("[ERROR] handler saw phoneNumber %q", s)
	}
	if nested, ok := got.Arguments["extra"].(map[string]interface{}); !ok || nested["nested"] != "yes" {
		t.Errorf("[ERROR] nested map decoded as %#v", got.Arguments["extra"])
	}
}

func TestNilArgumentIsPresent(t *testing.T) {
	shell, bridge := newPair(t)
	var present, isString bool
	bridge.SetHandler("c", func(ctx context.Context, call MethodCall) (interface{}, error) {
		_, present = call.Argument("deviceAddress")
		_, isString = call.StringArgument("deviceAddress")
		return nil, nil
	})
	result, err := shell.Invoke(context.Background(), "c", MethodCall{Method: "m", Arguments: map[string]interface{}{"deviceAddress": nil}})
	if err != nil || result != nil {
		t.Fatalf("[ERROR] expected nil success, got %#v, %v", result, err)
	}
	if !present || isString {
		t.Errorf("[ERROR] present=%v isString=%v", present, isString)
	}
}

func TestErrorReplies(t *testing.T) {
	shell, bridge := newPair(t)
	bridge.SetHandler("c", func(ctx context.Context, call MethodCall) (interface{}, error) {
		switch call.Method {
		case "typed":
			return nil, &Error{Code: "INVALID_ADDRESS", Message: "no address", Details: "d"}
		case "plain":
			return nil, errors.New("boom")
		}
		return nil, ErrNotImplemented
	})
	ctx := context.Background()

	_, err := shell.Invoke(ctx, "c", MethodCall{Method: "typed"})
	var e *Error
	if !errors.As(err, &e) || e.Code != "INVALID_ADDRESS" || e.Message != "no address" || e.Details != "d" {
		t.Errorf("[ERROR] typed error reply: %#v", err)
	}
	_, err = shell.Invoke(ctx, "c", MethodCall{Method: "plain"})
	if !errors.As(err, &e) || e.Code != "ERROR" || e.Message != "boom" {
		t.Errorf("[ERROR] plain error reply: %#v", err)
	}
	_, err = shell.Invoke(ctx, "c", MethodCall{Method: "unknown"})
	if !errors.Is(err, ErrNotImplemented) {
		t.Errorf("[ERROR] expected not-implemented, got %v", err)
	}
	if errors.As(err, &e) {
		t.Error("[ERROR] not-implemented reply must not be a typed error")
	}
}

func TestUnknownChannel(t *testing.T) {
	shell, _ := newPair(t)
	_, err := shell.Invoke(context.Background(), "nobody", MethodCall{Method: "m"})
	if !errors.Is(err, ErrNotImplemented) {
		t.Errorf("[ERROR] expected not-implemented for unknown channel, got %v", err)
	}
}

func TestBidirectional(t *testing.T) {
	shell, bridge := newPair(t)
	received := make(chan MethodCall, 1)
	shell.SetHandler("c", func(ctx context.Context, call MethodCall) (interface{}, error) {
		received <- call
		return nil, nil
	})
	bridge.SetHandler("c", func(ctx context.Context, call MethodCall) (interface{}, error) {
		// call back into the shell before replying
		_, err := bridge.Invoke(ctx, "c", MethodCall{Method: "onEvent"})
		return nil, err
	})
	if _, err := shell.Invoke(context.Background(), "c", MethodCall{Method: "go"}); err != nil {
		t.Fatalf("[ERROR] invoke failed: %s", err)
	}
	select {
	case call := <-received:
		if call.Method != "onEvent" {
			t.Errorf("[ERROR] shell received %q", call.Method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("[ERROR] shell never received the callback")
	}
}

func TestFrameTooLarge(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	logger := log.New(io.Discard, "", 0)
	m := NewStreamMessenger(b, logger, logger)
	defer m.Close()
	errc := make(chan error, 1)
	go func() {
		errc <- m.Serve(context.Background())
	}()
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	if _, err := a.Write(header[:]); err != nil {
		t.Fatalf("[ERROR] write failed: %s", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("[ERROR] expected ErrFrameTooLarge, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("[ERROR] Serve did not stop")
	}
}

func TestInvokeAfterClose(t *testing.T) {
	shell, _ := newPair(t)
	shell.Close()
	if _, err := shell.Invoke(context.Background(), "c", MethodCall{Method: "m"}); !errors.Is(err, ErrClosed) {
		t.Errorf("[ERROR] expected ErrClosed, got %v", err)
	}
}
