package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fvgateway/internal/bridges/fvbus"
)

const (
	// DefaultTickInterval is the poll tick.
	DefaultTickInterval = time.Second

	// inboundQueueSize buffers MQTT messages while the loop is busy.
	inboundQueueSize = 64
)

// ErrStopped is returned when the loop is no longer running.
var ErrStopped = errors.New("gateway: loop stopped")

// Engine is the bus surface the loop drives. *fvbus.Bus satisfies it.
type Engine interface {
	PollNext() bool
	AnnouncePresence()
	HandleMessage(topic string, payload []byte)
	SendDiscovery()
	Relay(session, line string) fvbus.Reply
}

// Ensure the bus satisfies Engine.
var _ Engine = (*fvbus.Bus)(nil)

// SessionObserver is told about relay sessions. *fvbus.Recorder satisfies it.
type SessionObserver interface {
	SessionOpened(ctx context.Context, id, remote string, at time.Time) error
	SessionClosed(ctx context.Context, id string, at time.Time) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Gateway.
type Options struct {
	Engine Engine

	// TickInterval defaults to DefaultTickInterval.
	TickInterval time.Duration

	// Sessions is optional.
	Sessions SessionObserver

	Logger Logger
}

// Stats holds loop counters.
type Stats struct {
	Messages      uint64 `json:"messages"`
	Connects      uint64 `json:"connects"`
	PollSteps     uint64 `json:"poll_steps"`
	PollRounds    uint64 `json:"poll_rounds"`
	RelaySessions uint64 `json:"relay_sessions"`
	RelayLines    uint64 `json:"relay_lines"`
	Calls         uint64 `json:"calls"`
	Running       bool   `json:"running"`
}

type inboundMessage struct {
	topic   string
	payload []byte
}

type call struct {
	fn   func()
	done chan struct{}
}

// Gateway is the bus-owning event loop.
type Gateway struct {
	engine   Engine
	tick     time.Duration
	sessObs  SessionObserver
	logger   Logger
	inbound  chan inboundMessage
	connect  chan struct{}
	calls    chan call
	sessions chan *relaySession
	done     chan struct{}

	running       atomic.Bool
	messages      atomic.Uint64
	connects      atomic.Uint64
	pollSteps     atomic.Uint64
	pollRounds    atomic.Uint64
	relaySessions atomic.Uint64
	relayLines    atomic.Uint64
	callsRun      atomic.Uint64
}

// New creates a gateway loop. It does nothing until Run is called.
func New(opts Options) (*Gateway, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("gateway: engine is required")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	return &Gateway{
		engine:   opts.Engine,
		tick:     opts.TickInterval,
		sessObs:  opts.Sessions,
		logger:   opts.Logger,
		inbound:  make(chan inboundMessage, inboundQueueSize),
		connect:  make(chan struct{}, 1),
		calls:    make(chan call),
		sessions: make(chan *relaySession),
		done:     make(chan struct{}),
	}, nil
}

// Run owns the bus until ctx is cancelled. It sends discovery once on
// entry. Run must be called at most once.
func (g *Gateway) Run(ctx context.Context) error {
	g.running.Store(true)
	defer func() {
		g.running.Store(false)
		close(g.done)
	}()

	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	g.logInfo("gateway loop started", "tick", g.tick)
	g.engine.SendDiscovery()
	pollPending := true

	for {
		if ctx.Err() != nil {
			g.logInfo("gateway loop stopped")
			return nil
		}

		// Events first, without blocking.
		select {
		case sess := <-g.sessions:
			g.serveSession(ctx, sess)
			continue
		case msg := <-g.inbound:
			g.handleMessage(msg)
			continue
		case <-g.connect:
			g.handleConnect()
			continue
		case c := <-g.calls:
			g.runCall(c)
			continue
		default:
		}

		if pollPending {
			if g.engine.PollNext() {
				g.pollSteps.Add(1)
			} else {
				pollPending = false
				g.pollRounds.Add(1)
				g.engine.AnnouncePresence()
			}
			continue
		}

		select {
		case <-ctx.Done():
		case sess := <-g.sessions:
			g.serveSession(ctx, sess)
		case msg := <-g.inbound:
			g.handleMessage(msg)
		case <-g.connect:
			g.handleConnect()
		case c := <-g.calls:
			g.runCall(c)
		case <-ticker.C:
			pollPending = true
		}
	}
}

// Deliver queues an inbound MQTT message for the loop. It blocks while
// the queue is full and returns immediately once the loop has stopped.
// Safe to call from MQTT callbacks.
func (g *Gateway) Deliver(topic string, payload []byte) {
	select {
	case g.inbound <- inboundMessage{topic: topic, payload: payload}:
	case <-g.done:
	}
}

// TransportConnected tells the loop the broker connection came up, so it
// resends discovery. Repeated calls before the loop reacts coalesce.
func (g *Gateway) TransportConnected() {
	select {
	case g.connect <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (g *Gateway) Do(ctx context.Context, fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case g.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrStopped
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the loop counters. Safe for concurrent use.
func (g *Gateway) Stats() Stats {
	return Stats{
		Messages:      g.messages.Load(),
		Connects:      g.connects.Load(),
		PollSteps:     g.pollSteps.Load(),
		PollRounds:    g.pollRounds.Load(),
		RelaySessions: g.relaySessions.Load(),
		RelayLines:    g.relayLines.Load(),
		Calls:         g.callsRun.Load(),
		Running:       g.running.Load(),
	}
}

func (g *Gateway) handleMessage(msg inboundMessage) {
	g.messages.Add(1)
	g.engine.HandleMessage(msg.topic, msg.payload)
}

func (g *Gateway) handleConnect() {
	g.connects.Add(1)
	g.logInfo("broker connected; sending discovery")
	g.engine.SendDiscovery()
}

func (g *Gateway) runCall(c call) {
	defer close(c.done)
	g.callsRun.Add(1)
	c.fn()
}

// serveSession gives the bus to one relay client until it goes away.
func (g *Gateway) serveSession(ctx context.Context, sess *relaySession) {
	g.relaySessions.Add(1)
	g.logInfo("relay session started", "session", sess.id, "remote", sess.remote)
	if g.sessObs != nil {
		if err := g.sessObs.SessionOpened(ctx, sess.id, sess.remote, time.Now()); err != nil {
			g.logWarn("recording relay session failed", "session", sess.id, "error", err)
		}
	}

	defer func() {
		g.logInfo("relay session ended", "session", sess.id)
		if g.sessObs != nil {
			if err := g.sessObs.SessionClosed(context.WithoutCancel(ctx), sess.id, time.Now()); err != nil {
				g.logWarn("closing relay session record failed", "session", sess.id, "error", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.closed:
			return
		case l := <-sess.lines:
			g.relayLines.Add(1)
			r := g.engine.Relay(sess.id, l.cmd)
			l.reply <- r.Wire()
		}
	}
}

func (g *Gateway) logInfo(msg string, keysAndValues ...any) {
	if g.logger != nil {
		g.logger.Info(msg, keysAndValues...)
	}
}

func (g *Gateway) logWarn(msg string, keysAndValues ...any) {
	if g.logger != nil {
		g.logger.Warn(msg, keysAndValues...)
	}
}

func (g *Gateway) logDebug(msg string, keysAndValues ...any) {
	if g.logger != nil {
		g.logger.Debug(msg, keysAndValues...)
	}
}

func (g *Gateway) logError(msg string, err error, keysAndValues ...any) {
	if g.logger != nil {
		g.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
