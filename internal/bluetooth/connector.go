package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrProxyTimeout      = errors.New("profile proxy not delivered in time")
	ErrProxyDisconnected = errors.New("profile service disconnected")
	ErrConnectorClosed   = errors.New("connector closed")
)

// Event reports the end of one profile connection attempt.
type Event struct {
	Address string
	Profile Profile
	Err     error
	Time    time.Time
}

// Attempt is a pending profile connection. It completes exactly once.
type Attempt struct {
	Address string
	Profile Profile
	done    chan struct{}
	once    sync.Once
	err     error
	// taken by the first of proxy delivery, proxy timeout and disconnect
	claimed atomic.Bool
}

func newAttempt(address string, profile Profile) *Attempt {
	return &Attempt{Address: address, Profile: profile, done: make(chan struct{})}
}

func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Err returns the outcome once Done is closed, nil before.
func (a *Attempt) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Attempt) claim() bool {
	return a.claimed.CompareAndSwap(false, true)
}

func (a *Attempt) complete(err error) bool {
	completed := false
	a.once.Do(func() {
		a.err = err
		close(a.done)
		completed = true
	})
	return completed
}

type Connector struct {
	adapter        Adapter
	proxyTimeout   time.Duration
	connectTimeout time.Duration
	onEvent        func(Event)
	loggerInfo     *log.Logger
	loggerDebug    *log.Logger
	ctx            context.Context
	cancel         context.CancelFunc
	mu             sync.Mutex
	closed         bool
	wg             sync.WaitGroup
}

type connectorConfig struct {
	proxyTimeout   time.Duration
	connectTimeout time.Duration
	onEvent        func(Event)
}

// ProxyTimeout bounds the wait for the adapter's ServiceConnected call. 0 waits until Close.
func ProxyTimeout(d time.Duration) func(c *connectorConfig) {
	return func(c *connectorConfig) {
		c.proxyTimeout = d
	}
}

// ConnectTimeout bounds a single ForceConnect call.
func ConnectTimeout(d time.Duration) func(c *connectorConfig) {
	return func(c *connectorConfig) {
		c.connectTimeout = d
	}
}

// OnEvent registers f to observe every completed attempt.
func OnEvent(f func(Event)) func(c *connectorConfig) {
	return func(c *connectorConfig) {
		c.onEvent = f
	}
}

func NewConnector(adapter Adapter, loggerInfo, loggerDebug *log.Logger, options ...func(*connectorConfig)) *Connector {
	config := connectorConfig{
		proxyTimeout:   30 * time.Second,
		connectTimeout: 30 * time.Second,
	}
	for _, option := range options {
		option(&config)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		adapter:        adapter,
		proxyTimeout:   config.proxyTimeout,
		connectTimeout: config.connectTimeout,
		onEvent:        config.onEvent,
		loggerInfo:     log.New(loggerInfo.Writer(), loggerInfo.Prefix()+"[bluetooth] ", loggerInfo.Flags()),
		loggerDebug:    log.New(loggerDebug.Writer(), loggerDebug.Prefix()+"[bluetooth] ", loggerDebug.Flags()),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// ConnectAudio starts one attempt per audio profile. It does not wait.
func (c *Connector) ConnectAudio(address string) []*Attempt {
	attempts := make([]*Attempt, 0, len(AudioProfiles))
	for _, p := range AudioProfiles {
		attempts = append(attempts, c.Connect(address, p))
	}
	return attempts
}

// Connect requests a proxy for profile and force-connects address once it arrives.
func (c *Connector) Connect(address string, profile Profile) *Attempt {
	a := newAttempt(address, profile)
	if c.ctx.Err() != nil {
		c.finish(a, nil, ErrConnectorClosed)
		return a
	}
	l := &attemptListener{c: c, a: a}
	if c.proxyTimeout > 0 {
		timer := time.AfterFunc(c.proxyTimeout, func() {
			if a.claim() {
				c.finish(a, nil, ErrProxyTimeout)
			}
		})
		go func() {
			<-a.done
			timer.Stop()
		}()
	}
	go func() {
		select {
		case <-c.ctx.Done():
			c.finish(a, nil, ErrConnectorClosed)
		case <-a.done:
		}
	}()
	if err := c.adapter.GetProfileProxy(c.ctx, profile, l); err != nil {
		c.finish(a, nil, fmt.Errorf("failed to get profile proxy: %w", err))
	}
	return a
}

// Close cancels pending attempts and waits for running ForceConnect calls.
func (c *Connector) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// track registers a running ForceConnect unless the connector is closed.
func (c *Connector) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// finish completes a, releases proxy and reports the outcome once.
func (c *Connector) finish(a *Attempt, proxy ProfileProxy, err error) {
	if proxy != nil {
		if errClose := proxy.Close(); errClose != nil {
			c.loggerDebug.Printf("closing %s proxy failed: %s\n", a.Profile, errClose)
		}
	}
	if !a.complete(err) {
		return
	}
	if err != nil {
		c.loggerInfo.Printf("%s connection to %s failed: %s\n", a.Profile, a.Address, err)
	} else {
		c.loggerDebug.Printf("%s connected to %s\n", a.Profile, a.Address)
	}
	if c.onEvent != nil {
		c.onEvent(Event{Address: a.Address, Profile: a.Profile, Err: err, Time: time.Now()})
	}
}

type attemptListener struct {
	c *Connector
	a *Attempt
}

func (l *attemptListener) ServiceConnected(profile Profile, proxy ProfileProxy) {
	c, a := l.c, l.a
	if profile != a.Profile {
		c.loggerDebug.Printf("ignoring %s proxy delivered for a %s request\n", profile, a.Profile)
		return
	}
	late := !a.claim()
	select {
	case <-a.done:
		late = true
	default:
	}
	if late {
		// timed out, disconnected or closed; nothing will use this proxy
		if err := proxy.Close(); err != nil {
			c.loggerDebug.Printf("closing late %s proxy failed: %s\n", profile, err)
		}
		return
	}
	if !c.track() {
		c.finish(a, proxy, ErrConnectorClosed)
		return
	}
	defer c.wg.Done()
	device, err := c.adapter.RemoteDevice(a.Address)
	if err != nil {
		c.finish(a, proxy, fmt.Errorf("failed to resolve device: %w", err))
		return
	}
	c.loggerDebug.Printf("connecting %s to %s\n", profile, device)
	ctx, cancel := context.WithTimeout(c.ctx, c.connectTimeout)
	defer cancel()
	err = proxy.ForceConnect(ctx, device)
	if err != nil {
		err = fmt.Errorf("force connect failed: %w", err)
	}
	c.finish(a, proxy, err)
}

func (l *attemptListener) ServiceDisconnected(profile Profile) {
	c, a := l.c, l.a
	c.loggerDebug.Printf("%s profile service disconnected\n", profile)
	// once the proxy is in use, the connect call reports the outcome
	if profile == a.Profile && a.claim() {
		c.finish(a, nil, ErrProxyDisconnected)
	}
}
