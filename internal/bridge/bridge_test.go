package bridge

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"errors"
	"io"
	"log"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"go.r2bridge.org/internal/bluetooth"
	"go.r2bridge.org/internal/channel"
	"go.r2bridge.org/internal/dbutil"
	"go.r2bridge.org/internal/outbox"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func (b *syncBuffer) lines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), "\n")
}

func discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type submission struct {
	phoneNumber string
	body        string
}

type fakeSMS struct {
	mu          sync.Mutex
	submissions []submission
	err         error
	messages    map[string]outbox.Message
}

func (f *fakeSMS) Submit(ctx context.Context, phoneNumber, body string) (outbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, submission{phoneNumber, body})
	if f.err != nil {
		return outbox.Message{}, f.err
	}
	return outbox.Message{PhoneNumber: phoneNumber, Body: body, Status: outbox.StatusQueued}, nil
}

func (f *fakeSMS) Get(id string) (outbox.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return outbox.Message{}, outbox.ErrNotFound
	}
	return m, nil
}

type fakeAudio struct {
	addresses []string
}

func (f *fakeAudio) ConnectAudio(address string) []*bluetooth.Attempt {
	f.addresses = append(f.addresses, address)
	return nil
}

type fakeProxy struct {
	err error
}

func (p *fakeProxy) ForceConnect(ctx context.Context, device bluetooth.Device) error {
	return p.err
}

func (p *fakeProxy) Close() error {
	return nil
}

// delayedAdapter delivers every proxy after delay, like the platform does on its own thread.
type delayedAdapter struct {
	delay time.Duration
	err   map[bluetooth.Profile]error
}

func (a *delayedAdapter) RemoteDevice(address string) (bluetooth.Device, error) {
	return bluetooth.Device{Address: address}, nil
}

func (a *delayedAdapter) GetProfileProxy(ctx context.Context, profile bluetooth.Profile, l bluetooth.ServiceListener) error {
	go func() {
		time.Sleep(a.delay)
		l.ServiceConnected(profile, &fakeProxy{err: a.err[profile]})
	}()
	return nil
}

func newBridge(t *testing.T, sms SMSService, audio AudioConnector) *Bridge {
	t.Helper()
	b, err := New(sms, audio, discard(), discard())
	if err != nil {
		t.Fatalf("[ERROR] New failed: %s", err)
	}
	return b
}

func call(method string, args map[string]interface{}) channel.MethodCall {
	return channel.MethodCall{Method: method, Arguments: args}
}

func errorCode(err error) string {
	var e *channel.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func TestSendSMS(t *testing.T) {
	sms := &fakeSMS{}
	b := newBridge(t, sms, &fakeAudio{})
	result, err := b.HandleMethodCall(context.Background(), call(MethodSendSMS, map[string]interface{}{
		"phoneNumber": "+15551234567",
		"message":     "hi",
	}))
	if err != nil || result != true {
		t.Fatalf("[ERROR] expected success(true), got %#v, %v", result, err)
	}
	if len(sms.submissions) != 1 {
		t.Fatalf("[ERROR] expected exactly one submission, got %d", len(sms.submissions))
	}
	if got := sms.submissions[0]; got.phoneNumber != "+15551234567" || got.body != "hi" {
		t.Errorf("[ERROR] submitted %+v", got)
	}
}

func TestSendSMSInvalidArguments(t *testing.T) {
	sms := &fakeSMS{}
	b := newBridge(t, sms, &fakeAudio{})
	cases := []map[string]interface{}{
		nil,
		{"message": "hi"},
		{"phoneNumber": "+15551234567"},
		{"phoneNumber": nil, "message": "hi"},
		{"phoneNumber": "+15551234567", "message": nil},
		{"phoneNumber": 15551234567, "message": "hi"},
	}
	for _, args := range cases {
		_, err := b.HandleMethodCall(context.Background(), call(MethodSendSMS, args))
		if errorCode(err) != CodeInvalidArguments {
			t.Errorf("[ERROR] args %v: expected %s, got %v", args, CodeInvalidArguments, err)
		}
	}
	if len(sms.submissions) != 0 {
		t.Errorf("[ERROR] invalid calls submitted %d messages", len(sms.submissions))
	}
}

func TestSendSMSSubmitFailure(t *testing.T) {
	b := newBridge(t, &fakeSMS{err: errors.New("database error")}, &fakeAudio{})
	_, err := b.HandleMethodCall(context.Background(), call(MethodSendSMS, map[string]interface{}{
		"phoneNumber": "+15551234567",
		"message":     "hi",
	}))
	if errorCode(err) != CodeSubmitFailed {
		t.Errorf("[ERROR] expected %s, got %v", CodeSubmitFailed, err)
	}
}

func TestEnableAudioProfilesInvalidAddress(t *testing.T) {
	audio := &fakeAudio{}
	b := newBridge(t, &fakeSMS{}, audio)
	for _, args := range []map[string]interface{}{
		nil,
		{"deviceAddress": nil},
		{"deviceAddress": 42},
		{"deviceAddress": "not an address"},
	} {
		_, err := b.HandleMethodCall(context.Background(), call(MethodEnableAudioProfiles, args))
		if errorCode(err) != CodeInvalidAddress {
			t.Errorf("[ERROR] args %v: expected %s, got %v", args, CodeInvalidAddress, err)
		}
	}
	if len(audio.addresses) != 0 {
		t.Errorf("[ERROR] invalid calls started connections: %v", audio.addresses)
	}
}

func TestEnableAudioProfilesDoesNotWait(t *testing.T) {
	debug := &syncBuffer{}
	connector := bluetooth.NewConnector(&delayedAdapter{delay: 200 * time.Millisecond}, discard(), log.New(debug, "", 0))
	defer connector.Close()
	b := newBridge(t, &fakeSMS{}, connector)

	result, err := b.HandleMethodCall(context.Background(), call(MethodEnableAudioProfiles, map[string]interface{}{
		"deviceAddress": "AA:BB:CC:DD:EE:FF",
	}))
	if err != nil || result != nil {
		t.Fatalf("[ERROR] expected success(nil), got %#v, %v", result, err)
	}
	if n := debug.count("connecting"); n != 0 {
		t.Errorf("[ERROR] reply came after %d connect attempts", n)
	}
	deadline := time.Now().Add(5 * time.Second)
	for debug.count("connecting") < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := debug.count("connecting"); n != 2 {
		t.Errorf("[ERROR] expected 2 connect-attempt log entries, got %d", n)
	}
}

func TestForceConnectFailureKeepsReply(t *testing.T) {
	info := &syncBuffer{}
	events := make(chan bluetooth.Event, 2)
	adapter := &delayedAdapter{err: map[bluetooth.Profile]error{bluetooth.A2DP: errors.New("no such method")}}
	connector := bluetooth.NewConnector(adapter, log.New(info, "", 0), discard(), bluetooth.OnEvent(func(e bluetooth.Event) { events <- e }))
	defer connector.Close()
	b, err := New(&fakeSMS{}, connector, log.New(info, "", 0), discard())
	if err != nil {
		t.Fatalf("[ERROR] New failed: %s", err)
	}

	result, err := b.HandleMethodCall(context.Background(), call(MethodEnableAudioProfiles, map[string]interface{}{
		"deviceAddress": "aa:bb:cc:dd:ee:ff",
	}))
	if err != nil || result != nil {
		t.Fatalf("[ERROR] expected success(nil), got %#v, %v", result, err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-events:
		case <-time.After(5 * time.Second):
			t.Fatal("[ERROR] attempts did not complete")
		}
	}
	if n := info.lines(); n != 1 {
		t.Errorf("[ERROR] expected exactly one diagnostic entry, got %d", n)
	}
}

func TestUnknownMethod(t *testing.T) {
	sms := &fakeSMS{}
	audio := &fakeAudio{}
	b := newBridge(t, sms, audio)
	_, err := b.HandleMethodCall(context.Background(), call("makeCoffee", map[string]interface{}{"phoneNumber": "1"}))
	if !errors.Is(err, channel.ErrNotImplemented) {
		t.Errorf("[ERROR] expected not-implemented, got %v", err)
	}
	if errorCode(err) != "" {
		t.Errorf("[ERROR] not-implemented reply carries code %q", errorCode(err))
	}
	if len(sms.submissions) != 0 || len(audio.addresses) != 0 {
		t.Error("[ERROR] unknown method had a side effect")
	}
}

func newID() ulid.ULID {
	return ulid.MustNew(ulid.Timestamp(time.Now()), crand.Reader)
}

func TestGetSMSStatus(t *testing.T) {
	id := newID()
	sms := &fakeSMS{messages: map[string]outbox.Message{
		id.String(): {ID: id, PhoneNumber: "+15551234567", Body: "hi", Status: outbox.StatusSent},
	}}
	b := newBridge(t, sms, &fakeAudio{})
	ctx := context.Background()

	result, err := b.HandleMethodCall(ctx, call(MethodGetSMSStatus, map[string]interface{}{"id": id.String()}))
	if err != nil {
		t.Fatalf("[ERROR] getSMSStatus failed: %s", err)
	}
	if m, ok := result.(map[string]interface{}); !ok || m["status"] != "sent" || m["id"] != id.String() {
		t.Errorf("[ERROR] unexpected status %#v", result)
	}
	_, err = b.HandleMethodCall(ctx, call(MethodGetSMSStatus, map[string]interface{}{"id": newID().String()}))
	if errorCode(err) != CodeNotFound {
		t.Errorf("[ERROR] expected %s, got %v", CodeNotFound, err)
	}
	_, err = b.HandleMethodCall(ctx, call(MethodGetSMSStatus, nil))
	if errorCode(err) != CodeInvalidArguments {
		t.Errorf("[ERROR] expected %s, got %v", CodeInvalidArguments, err)
	}
}

func TestAttachNilMessenger(t *testing.T) {
	info := &syncBuffer{}
	b, err := New(&fakeSMS{}, &fakeAudio{}, log.New(info, "", 0), discard())
	if err != nil {
		t.Fatalf("[ERROR] New failed: %s", err)
	}
	if err := b.Attach(nil); !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("[ERROR] expected ErrEngineUnavailable, got %v", err)
	}
	if info.lines() != 1 {
		t.Errorf("[ERROR] expected the condition to be logged once, got %d lines", info.lines())
	}
}

type fakeGateway struct {
	mu   sync.Mutex
	sent []submission
}

func (g *fakeGateway) GatewayName() string                { return "fake" }
func (g *fakeGateway) GetConcurrencyMax() int             { return 1 }
func (g *fakeGateway) PreSend(ctx context.Context) error  { return nil }
func (g *fakeGateway) PostSend(ctx context.Context) error { return nil }
func (g *fakeGateway) Send(ctx context.Context, to string, msg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, submission{to, msg})
	return nil
}

func TestOverChannelWithNotifications(t *testing.T) {
	db, err := dbutil.Open(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("[ERROR] failed to open database: %s", err)
	}
	defer db.Close()

	notifier := NewNotifier(5*time.Second, discard())
	defer notifier.Close()
	gw := &fakeGateway{}
	ob, err := outbox.New(db, gw, discard(), discard(), outbox.OnResult(notifier.SMSResult))
	if err != nil {
		t.Fatalf("[ERROR] outbox.New failed: %s", err)
	}
	defer ob.Close(context.Background())
	b, err := New(ob, &fakeAudio{}, discard(), discard(), WithNotifier(notifier))
	if err != nil {
		t.Fatalf("[ERROR] New failed: %s", err)
	}

	a, c := net.Pipe()
	shell := channel.NewStreamMessenger(a, discard(), discard())
	native := channel.NewStreamMessenger(c, discard(), discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go shell.Serve(ctx)
	go native.Serve(ctx)
	defer shell.Close()
	defer native.Close()

	if err := b.Attach(native); err != nil {
		t.Fatalf("[ERROR] Attach failed: %s", err)
	}
	notifications := make(chan channel.MethodCall, 1)
	shellChannel := channel.NewMethodChannel(shell, ChannelName)
	shellChannel.SetMethodCallHandler(func(ctx context.Context, call channel.MethodCall) (interface{}, error) {
		notifications <- call
		return nil, nil
	})

	result, err := shellChannel.InvokeMethod(ctx, MethodSendSMS, map[string]interface{}{
		"phoneNumber": "+15551234567",
		"message":     "hi",
	})
	if err != nil || result != true {
		t.Fatalf("[ERROR] expected success(true), got %#v, %v", result, err)
	}
	select {
	case n := <-notifications:
		if n.Method != MethodOnSMSResult || n.Arguments["ok"] != true || n.Arguments["phoneNumber"] != "+15551234567" {
			t.Errorf("[ERROR] unexpected notification %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("[ERROR] no onSMSResult notification")
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.sent) != 1 || gw.sent[0] != (submission{"+15551234567", "hi"}) {
		t.Errorf("[ERROR] gateway sent %+v", gw.sent)
	}

	_, err = shellChannel.InvokeMethod(ctx, "unknown", nil)
	if !errors.Is(err, channel.ErrNotImplemented) {
		t.Errorf("[ERROR] expected not-implemented over the channel, got %v", err)
	}
}
