package channel

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds the encoded size of one frame.
const MaxFrameSize = 4 << 20

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrClosed        = errors.New("messenger closed")
)

const (
	frameCall  = "call"
	frameReply = "reply"
)

// frame is the CBOR map following the 4-byte big-endian length prefix.
type frame struct {
	T              string                 `cbor:"t"`
	ID             uint64                 `cbor:"id"`
	Channel        string                 `cbor:"channel,omitempty"`
	Method         string                 `cbor:"method,omitempty"`
	Args           map[string]interface{} `cbor:"args,omitempty"`
	OK             bool                   `cbor:"ok,omitempty"`
	Value          interface{}            `cbor:"value,omitempty"`
	Code           string                 `cbor:"code,omitempty"`
	Message        string                 `cbor:"message,omitempty"`
	Details        interface{}            `cbor:"details,omitempty"`
	NotImplemented bool                   `cbor:"notImplemented,omitempty"`
}

var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]interface{}(nil)),
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// StreamMessenger is a Messenger over a byte stream such as a Unix socket or stdio.
type StreamMessenger struct {
	r           *bufio.Reader
	w           io.Writer
	closer      io.Closer
	writeMu     sync.Mutex
	loggerInfo  *log.Logger
	loggerDebug *log.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[uint64]chan frame
	nextID   uint64
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
}

var _ Messenger = (*StreamMessenger)(nil)

// NewStreamMessenger wraps rw. If rw is also an io.Closer, Close closes it.
func NewStreamMessenger(rw io.ReadWriter, loggerInfo, loggerDebug *log.Logger) *StreamMessenger {
	m := &StreamMessenger{
		r:           bufio.NewReader(rw),
		w:           rw,
		loggerInfo:  log.New(loggerInfo.Writer(), loggerInfo.Prefix()+"[channel] ", loggerInfo.Flags()),
		loggerDebug: log.New(loggerDebug.Writer(), loggerDebug.Prefix()+"[channel] ", loggerDebug.Flags()),
		handlers:    make(map[string]Handler),
		pending:     make(map[uint64]chan frame),
		done:        make(chan struct{}),
	}
	if c, ok := rw.(io.Closer); ok {
		m.closer = c
	}
	return m
}

func (m *StreamMessenger) SetHandler(channel string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.handlers, channel)
		return
	}
	m.handlers[channel] = h
}

func (m *StreamMessenger) Invoke(ctx context.Context, channel string, call MethodCall) (interface{}, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.nextID++
	id := m.nextID
	ch := make(chan frame, 1)
	m.pending[id] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	err := m.writeFrame(frame{T: frameCall, ID: id, Channel: channel, Method: call.Method, Args: call.Arguments})
	if err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return replyResult(reply)
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve reads frames until the stream ends or ctx is cancelled. Incoming calls
// are answered concurrently. It returns nil on a clean end of stream.
func (m *StreamMessenger) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		m.Close()
	})
	defer stop()
	defer m.shutdown()
	for {
		f, err := m.readFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch f.T {
		case frameCall:
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.answer(ctx, f)
			}()
		case frameReply:
			m.mu.Lock()
			ch, ok := m.pending[f.ID]
			m.mu.Unlock()
			if !ok {
				m.loggerDebug.Printf("dropping reply %d with no pending call\n", f.ID)
				continue
			}
			select {
			case ch <- f:
			default:
				m.loggerDebug.Printf("dropping duplicate reply %d\n", f.ID)
			}
		default:
			m.loggerInfo.Printf("dropping frame %d of unknown type %q\n", f.ID, f.T)
		}
	}
}

// Close ends Serve and fails pending Invoke calls.
func (m *StreamMessenger) Close() error {
	m.shutdown()
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

func (m *StreamMessenger) shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

// Wait blocks until the handlers started by Serve have replied.
func (m *StreamMessenger) Wait() {
	m.wg.Wait()
}

func (m *StreamMessenger) answer(ctx context.Context, call frame) {
	m.mu.Lock()
	h := m.handlers[call.Channel]
	m.mu.Unlock()
	reply := frame{T: frameReply, ID: call.ID}
	if h == nil {
		m.loggerDebug.Printf("no handler for channel %q\n", call.Channel)
		reply.NotImplemented = true
	} else {
		m.loggerDebug.Printf("call %d: %s.%s\n", call.ID, call.Channel, call.Method)
		value, err := h(ctx, MethodCall{Method: call.Method, Arguments: call.Args})
		setResult(&reply, value, err)
	}
	if err := m.writeFrame(reply); err != nil {
		m.loggerInfo.Printf("failed to reply to call %d: %s\n", call.ID, err)
	}
}

func setResult(f *frame, value interface{}, err error) {
	var e *Error
	switch {
	case err == nil:
		f.OK = true
		f.Value = value
	case errors.Is(err, ErrNotImplemented):
		f.NotImplemented = true
	case errors.As(err, &e):
		f.Code = e.Code
		f.Message = e.Message
		f.Details = e.Details
	default:
		f.Code = "ERROR"
		f.Message = err.Error()
	}
}

func replyResult(f frame) (interface{}, error) {
	switch {
	case f.OK:
		return f.Value, nil
	case f.NotImplemented:
		return nil, ErrNotImplemented
	default:
		return nil, &Error{Code: f.Code, Message: f.Message, Details: f.Details}
	}
}

func (m *StreamMessenger) writeFrame(f frame) error {
	b, err := cbor.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(b) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := m.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (m *StreamMessenger) readFrame() (frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(m.r, header[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(m.r, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return frame{}, fmt.Errorf("failed to read frame: %w", err)
	}
	var f frame
	if err := decMode.Unmarshal(b, &f); err != nil {
		return frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}
