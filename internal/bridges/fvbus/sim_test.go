package fvbus

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fvgateway/internal/infrastructure/mqtt"
)

// simController models the firmware of one controller.
type simController struct {
	name   string
	regs   map[string]string
	silent bool
	// onSet, if set, decides the stored value of a SET. It receives the
	// current and requested values.
	onSet map[string]func(current, requested string) string
}

// simBus is an in-memory serial port with firmware behind it.
type simBus struct {
	mu          sync.Mutex
	controllers map[string]*simController
	selected    *simController
	commands    []string
	partial     []byte
	// raw, if set, replaces the firmware reply for a command. Returning
	// ok=false falls through to the firmware.
	raw func(cmd string) (reply []byte, ok bool)

	out      chan []byte
	leftover []byte
	closed   chan struct{}
	once     sync.Once
}

func newSimBus(controllers ...*simController) *simBus {
	s := &simBus{
		controllers: make(map[string]*simController),
		out:         make(chan []byte, 64),
		closed:      make(chan struct{}),
	}
	for _, c := range controllers {
		s.controllers[c.name] = c
	}
	return s
}

func newSimController(name string, regs map[string]string) *simController {
	all := map[string]string{"ident": name, "ver": "1.4"}
	for k, v := range regs {
		all[k] = v
	}
	return &simController{name: name, regs: all, onSet: make(map[string]func(string, string) string)}
}

func (s *simBus) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := string(s.partial[:i])
		s.partial = s.partial[i+1:]
		s.commands = append(s.commands, line)
		if reply := s.respond(line); len(reply) > 0 {
			s.out <- reply
		}
	}
}

// respond runs the firmware for one command line. Caller holds mu.
func (s *simBus) respond(line string) []byte {
	if s.raw != nil {
		if reply, ok := s.raw(line); ok {
			return reply
		}
	}

	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "SELECT "):
		name := line[len("SELECT "):]
		c, ok := s.controllers[name]
		if !ok || c.silent {
			s.selected = nil
			return nil
		}
		s.selected = c
		return []byte("OK " + name + " selected\n")
	case strings.HasPrefix(line, "READ "):
		if s.selected == nil {
			return nil
		}
		v, ok := s.selected.regs[line[len("READ "):]]
		if !ok {
			return []byte("ERR no such register\n")
		}
		return []byte("OK " + v + "\n")
	case strings.HasPrefix(line, "SET "):
		if s.selected == nil {
			return nil
		}
		reg, val, ok := strings.Cut(line[len("SET "):], " ")
		if !ok {
			return []byte("ERR bad command\n")
		}
		cur, known := s.selected.regs[reg]
		if !known {
			return []byte("ERR no such register\n")
		}
		if hook := s.selected.onSet[reg]; hook != nil {
			val = hook(cur, val)
		}
		s.selected.regs[reg] = val
		return []byte("OK " + reg + " set to " + val + "\n")
	default:
		return []byte("ERR bad command\n")
	}
}

func (s *simBus) Read(p []byte) (int, error) {
	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}
	select {
	case chunk := <-s.out:
		n := copy(p, chunk)
		s.leftover = chunk[n:]
		return n, nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *simBus) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// inject queues unsolicited bytes as if another device had sent them.
func (s *simBus) inject(b []byte) {
	s.out <- b
}

// sent returns the commands received since the last clearSent.
func (s *simBus) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *simBus) clearSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

func (s *simBus) reg(controller, reg string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controllers[controller].regs[reg]
}

func (s *simBus) setReg(controller, reg, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controllers[controller].regs[reg] = value
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedMessage struct {
	topic    string
	payload  string
	qos      byte
	retained bool
}

// mockPublisher records published messages.
type mockPublisher struct {
	mu   sync.Mutex
	msgs []publishedMessage
	err  error
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, publishedMessage{topic: topic, payload: string(payload), qos: qos, retained: retained})
	return nil
}

func (m *mockPublisher) messages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishedMessage(nil), m.msgs...)
}

// payloads returns every payload published to topic.
func (m *mockPublisher) payloads(topic string) []string {
	var out []string
	for _, msg := range m.messages() {
		if msg.topic == topic {
			out = append(out, msg.payload)
		}
	}
	return out
}

func (m *mockPublisher) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = nil
}

// recordingTap collects transactions.
type recordingTap struct {
	txs []Transaction
}

func (r *recordingTap) Transaction(t Transaction) { r.txs = append(r.txs, t) }

// recordingSink collects published register states.
type recordingSink struct {
	states []RegisterState
}

func (r *recordingSink) RegisterState(s RegisterState) { r.states = append(r.states, s) }

// harness wires a Bus to a simulated bus.
type harness struct {
	sim   *simBus
	ch    *Channel
	bus   *Bus
	pub   *mockPublisher
	clock *fakeClock
	tap   *recordingTap
	sink  *recordingSink
}

// Short timeouts keep silent-controller tests fast.
const (
	testReadTimeout  = 60 * time.Millisecond
	testResetTimeout = 10 * time.Millisecond
)

var testTopics = mqtt.NewTopics("homeassistant", "fvcontrol")

func newHarness(t *testing.T, sim *simBus, controllers ...ControllerConfig) *harness {
	t.Helper()

	ch := NewChannel(sim, ChannelConfig{ReadTimeout: testReadTimeout, ResetTimeout: testResetTimeout})
	t.Cleanup(func() { ch.Close() })

	h := &harness{
		sim:   sim,
		ch:    ch,
		pub:   &mockPublisher{},
		clock: newFakeClock(),
		tap:   &recordingTap{},
		sink:  &recordingSink{},
	}

	bus, err := New(Options{
		Link:         ch,
		Publisher:    h.pub,
		Topics:       testTopics,
		Controllers:  controllers,
		Manufacturer: "Test Works",
		QoS:          1,
		Clock:        h.clock.Now,
		Taps:         []TrafficTap{h.tap},
		Sinks:        []StateSink{h.sink},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.bus = bus
	sim.clearSent()
	return h
}

func controllerConfig(name string, registers ...string) ControllerConfig {
	cc := ControllerConfig{Name: name}
	for _, r := range registers {
		cc.Registers = append(cc.Registers, RegisterConfig{Name: r})
	}
	return cc
}

func (h *harness) register(t *testing.T, controller, name string) *Register {
	t.Helper()
	c, ok := h.bus.Controller(controller)
	if !ok {
		t.Fatalf("controller %s not found", controller)
	}
	r, ok := c.Register(name)
	if !ok {
		t.Fatalf("register %s/%s not found", controller, name)
	}
	return r
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
