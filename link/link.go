// Package link implements a reconnecting connection state machine with a
// bounded backoff schedule. The same machine drives the agent's upstream
// websocket leg and its stdio leg to the gateway; only the dialer and the
// backoff table differ.
//
// # Key Invariants
//
//   - A session is a read pump and a write pump; the session ends the moment
//     either pump returns, and the survivor is force-cancelled.
//   - The consecutive-failure counter resets to zero after every successful
//     open.
//   - Once the failure count exceeds the backoff table length the link
//     terminates for good. A permanently unreachable peer must not spin
//     forever; recovery requires a new Link.
package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNotConnected = errors.New("link not connected")

// State is the link lifecycle state.
type State int32

const (
	Idle State = iota
	Connecting
	Connected
	Disconnected
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Session is one live connection. ReadPump and WritePump run concurrently
// until either returns or the session context is cancelled; Close must
// unblock any pump stuck in blocking I/O.
type Session interface {
	ReadPump(ctx context.Context) error
	WritePump(ctx context.Context) error
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens one connection attempt.
type Dialer func(ctx context.Context) (Session, error)

// Hooks are per-link lifecycle observers. Each Link owns its own hook set;
// nil fields are skipped. OnDisconnected fires exactly once per ended
// session or failed attempt, and not at all for a deliberate Stop.
type Hooks struct {
	OnConnected    func()
	OnDisconnected func(err error)
}

// Options configures a Link.
type Options struct {
	// Name identifies the link in logs, e.g. "upstream" or "stdio".
	Name string

	// Dial opens one connection attempt.
	Dial Dialer

	// Timeouts is the ascending backoff table. Attempt n waits
	// Timeouts[n-1] after the nth consecutive failure; once failures
	// exceed len(Timeouts) the link terminates.
	Timeouts []time.Duration

	Hooks  Hooks
	Logger *zap.Logger
}

// Link holds one logical reconnecting connection.
type Link struct {
	name     string
	dial     Dialer
	timeouts []time.Duration
	hooks    Hooks
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	session Session
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// New builds a Link. It does not connect; call Start.
func New(opts Options) (*Link, error) {
	if opts.Dial == nil {
		return nil, errors.New("dialer is required")
	}
	if len(opts.Timeouts) == 0 {
		return nil, errors.New("backoff table is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Link{
		name:     opts.Name,
		dial:     opts.Dial,
		timeouts: opts.Timeouts,
		hooks:    opts.Hooks,
		logger:   opts.Logger,
		state:    Idle,
		done:     make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done is closed when the retry loop has exited, either by Stop or by
// exhausting the backoff table.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Start launches the connect/retry loop. Calling Start on a link that is
// already running is a no-op; a terminated link cannot be restarted.
func (l *Link) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started || l.state == Terminated {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.state = Connecting
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	go l.run(runCtx)
}

// Stop cancels any in-flight wait or active session, transitions the link to
// Terminated, and waits for the retry loop to finish. Idempotent.
func (l *Link) Stop() {
	l.mu.Lock()
	if !l.started {
		l.state = Terminated
		l.started = true
		close(l.done)
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-l.done
}

// Send writes one frame through the current session. Sending while not
// Connected is rejected with ErrNotConnected; the caller decides whether to
// queue or drop.
func (l *Link) Send(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	session := l.session
	connected := l.state == Connected
	l.mu.Unlock()

	if !connected || session == nil {
		return ErrNotConnected
	}
	return session.Send(ctx, frame)
}

func (l *Link) run(ctx context.Context) {
	defer close(l.done)

	failures := 0
	for {
		l.setState(Connecting)
		session, err := l.dial(ctx)
		if err == nil {
			l.logger.Info("link connected", zap.String("link", l.name))
			l.attach(session)
			failures = 0
			if l.hooks.OnConnected != nil {
				l.hooks.OnConnected()
			}

			err = l.runSession(ctx, session)
			l.detach()
		}

		if ctx.Err() != nil {
			// Deliberate stop; cancellation is not a disconnect event.
			l.setState(Terminated)
			return
		}

		failures++
		l.setState(Disconnected)
		l.logger.Warn("link disconnected",
			zap.String("link", l.name),
			zap.Int("failures", failures),
			zap.Error(err),
		)
		if l.hooks.OnDisconnected != nil {
			l.hooks.OnDisconnected(err)
		}

		if failures > len(l.timeouts) {
			l.logger.Warn("link retry budget exhausted, giving up",
				zap.String("link", l.name),
				zap.Int("attempts", failures),
			)
			l.setState(Terminated)
			return
		}

		wait := l.timeouts[failures-1]
		l.logger.Info("link retrying",
			zap.String("link", l.name),
			zap.Duration("wait", wait),
			zap.Int("attempt", failures+1),
		)
		select {
		case <-ctx.Done():
			l.setState(Terminated)
			return
		case <-time.After(wait):
		}
	}
}

// runSession drives one connected session. Both pumps run concurrently; the
// first one to return cancels the session context, and the watcher closes
// the session so a pump stuck in blocking I/O cannot outlive its peer.
func (l *Link) runSession(ctx context.Context, session Session) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-sessCtx.Done()
		_ = session.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		return session.ReadPump(sessCtx)
	})
	g.Go(func() error {
		defer cancel()
		return session.WritePump(sessCtx)
	})
	return g.Wait()
}

func (l *Link) attach(session Session) {
	l.mu.Lock()
	l.session = session
	l.state = Connected
	l.mu.Unlock()
}

func (l *Link) detach() {
	l.mu.Lock()
	l.session = nil
	l.mu.Unlock()
}

func (l *Link) setState(state State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}
