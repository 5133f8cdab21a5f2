package fvbus

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fvgateway/internal/infrastructure/mqtt"
)

// Defaults for bus options.
const (
	// DefaultPresenceInterval is the minimum gap between "online" announcements.
	DefaultPresenceInterval = 60 * time.Second

	// presenceAfterDiscovery is how soon after a discovery burst the next
	// presence announcement becomes due.
	presenceAfterDiscovery = 5 * time.Second

	// initialPollDelay forces the first poll of a new register, and the
	// poll following a discovery burst.
	initialPollDelay = 10 * time.Second

	// readbackDelay schedules a re-read after a failed inbound write so the
	// published state converges on what the hardware holds.
	readbackDelay = 10 * time.Second

	// Model is the Home Assistant device model.
	Model = "fvcontroller"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Publisher sends messages to the MQTT broker.
// *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// RegisterConfig declares one register on a controller.
type RegisterConfig struct {
	Name string
	// PollInterval overrides the kind's cadence when non-zero.
	PollInterval time.Duration
	// Description overrides the kind's label when non-empty.
	Description string
}

// ControllerConfig declares one controller on the bus.
type ControllerConfig struct {
	Name string
	// EntityPrefix prefixes Home Assistant object ids. Default: lowercased name.
	EntityPrefix string
	Registers    []RegisterConfig
}

// Options configures a Bus.
type Options struct {
	Link        Link
	Publisher   Publisher
	Topics      mqtt.Topics
	Controllers []ControllerConfig

	// Kinds defaults to DefaultKinds().
	Kinds *KindTable

	// Manufacturer is reported in discovery device blocks.
	Manufacturer string

	// QoS for state and discovery messages.
	QoS byte

	// PresenceInterval defaults to DefaultPresenceInterval.
	PresenceInterval time.Duration

	// Clock defaults to time.Now. Tests inject a fake.
	Clock func() time.Time

	Logger Logger
	Taps   []TrafficTap
	Sinks  []StateSink
}

// BusStats holds bus counters.
type BusStats struct {
	Transactions        uint64 `json:"transactions"`
	RelayTransactions   uint64 `json:"relay_transactions"`
	Timeouts            uint64 `json:"timeouts"`
	Corrupt             uint64 `json:"corrupt"`
	SelectionChanges    uint64 `json:"selection_changes"`
	ProtocolErrors      uint64 `json:"protocol_errors"`
	Polls               uint64 `json:"polls"`
	PollFailures        uint64 `json:"poll_failures"`
	Published           uint64 `json:"published"`
	Suppressed          uint64 `json:"suppressed"`
	PublishErrors       uint64 `json:"publish_errors"`
	Commands            uint64 `json:"commands"`
	CommandErrors       uint64 `json:"command_errors"`
	DiscoveryBursts     uint64 `json:"discovery_bursts"`
	PresenceAnnounced   uint64 `json:"presence_announced"`
	ControllersOffline  int    `json:"controllers_offline"`
	ControllersDeclared int    `json:"controllers_declared"`
}

// commandHandler is anything reachable from an inbound command topic.
type commandHandler interface {
	HandleCommand(payload string) error
}

// Bus is the arbitration layer over a serial link.
//
// Thread Safety:
//   - Bus is not safe for concurrent use. A single goroutine (the gateway
//     loop) owns it; other goroutines reach it through that loop.
//   - Stats is the exception and may be called from anywhere.
type Bus struct {
	link      Link
	publisher Publisher
	topics    mqtt.Topics
	kinds     *KindTable
	clock     func() time.Time
	logger    Logger
	taps      []TrafficTap
	sinks     []StateSink

	manufacturer     string
	qos              byte
	presenceInterval time.Duration

	selected    *Controller
	controllers map[string]*Controller
	ordered     []*Controller
	registers   []*Register // poll order
	commands    map[string]commandHandler

	cursor       int
	lastAnnounce time.Time

	transactions      atomic.Uint64
	relayTransactions atomic.Uint64
	timeouts          atomic.Uint64
	corrupt           atomic.Uint64
	selectionChanges  atomic.Uint64
	protocolErrors    atomic.Uint64
	polls             atomic.Uint64
	pollFailures      atomic.Uint64
	published         atomic.Uint64
	suppressed        atomic.Uint64
	publishErrors     atomic.Uint64
	commandsHandled   atomic.Uint64
	commandErrors     atomic.Uint64
	discoveryBursts   atomic.Uint64
	presenceAnnounced atomic.Uint64
	offline           atomic.Int64
}

// New resets the link, then builds and pings every declared controller.
// Controllers that fail their ping stay registered; their registers are
// retried on every poll round.
func New(opts Options) (*Bus, error) {
	if opts.Link == nil {
		return nil, fmt.Errorf("%w: link is required", ErrInvalidConfig)
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("%w: publisher is required", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(opts.Controllers))
	for _, cc := range opts.Controllers {
		if cc.Name == "" {
			return nil, fmt.Errorf("%w: controller name is empty", ErrInvalidConfig)
		}
		if seen[cc.Name] {
			return nil, fmt.Errorf("%w: duplicate controller %q", ErrInvalidConfig, cc.Name)
		}
		seen[cc.Name] = true
	}

	if opts.Kinds == nil {
		opts.Kinds = DefaultKinds()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.PresenceInterval <= 0 {
		opts.PresenceInterval = DefaultPresenceInterval
	}
	if opts.Topics.Prefix == "" || opts.Topics.Path == "" {
		opts.Topics = mqtt.NewTopics(opts.Topics.Prefix, opts.Topics.Path)
	}
	if opts.Manufacturer == "" {
		opts.Manufacturer = Model
	}

	b := &Bus{
		link:             opts.Link,
		publisher:        opts.Publisher,
		topics:           opts.Topics,
		kinds:            opts.Kinds,
		clock:            opts.Clock,
		logger:           opts.Logger,
		taps:             opts.Taps,
		sinks:            opts.Sinks,
		manufacturer:     opts.Manufacturer,
		qos:              opts.QoS,
		presenceInterval: opts.PresenceInterval,
		controllers:      make(map[string]*Controller, len(opts.Controllers)),
		commands:         make(map[string]commandHandler),
	}

	b.FullReset()

	for _, cc := range opts.Controllers {
		c := newController(b, cc)
		b.controllers[c.name] = c
		b.ordered = append(b.ordered, c)
		for _, name := range c.order {
			b.registers = append(b.registers, c.registers[name])
		}
	}

	b.logInfo("bus ready",
		"controllers", len(b.ordered),
		"registers", len(b.registers),
		"offline", b.offline.Load())
	return b, nil
}

// Controller returns the named controller.
func (b *Bus) Controller(name string) (*Controller, bool) {
	c, ok := b.controllers[name]
	return c, ok
}

// Selected returns the controller the bus believes is selected, or nil.
func (b *Bus) Selected() *Controller {
	return b.selected
}

// CommandTopics returns every inbound topic the bus routes.
func (b *Bus) CommandTopics() []string {
	topics := make([]string, 0, len(b.commands))
	for t := range b.commands {
		topics = append(topics, t)
	}
	return topics
}

// FullReset returns the link to a known state and forgets the selection.
func (b *Bus) FullReset() {
	b.link.FullReset()
	b.setSelected(nil)
}

// Poll runs one full poll round.
func (b *Bus) Poll() {
	for b.PollNext() {
	}
}

// PollNext polls the next due register of the current round and reports
// whether it did so. It returns false once the round is complete; the
// following call starts a new round. Each register is polled at most once
// per round.
func (b *Bus) PollNext() bool {
	now := b.now()
	for b.cursor < len(b.registers) {
		r := b.registers[b.cursor]
		b.cursor++
		if r.poll(now) {
			return true
		}
	}
	b.cursor = 0
	return false
}

// HandleMessage routes an inbound MQTT message. Home Assistant's birth
// message triggers a discovery burst; command topics go to their register
// or action. Anything else is ignored.
func (b *Bus) HandleMessage(topic string, payload []byte) {
	if topic == b.topics.DiscoveryStatus() {
		if string(payload) == mqtt.PayloadOnline {
			b.logInfo("home assistant came online")
			b.SendDiscovery()
		}
		return
	}

	h, ok := b.commands[topic]
	if !ok {
		b.logDebug("no handler for topic", "topic", topic)
		return
	}

	b.commandsHandled.Add(1)
	if err := h.HandleCommand(string(payload)); err != nil {
		b.commandErrors.Add(1)
	}
}

// Relay forwards one line from a relay client to the bus verbatim, feeds
// the exchange to Interpret and returns the reply.
func (b *Bus) Relay(session, line string) Reply {
	r := b.transact(OriginRelay, session, line)
	b.Interpret(line, r.Wire())
	return r
}

// Interpret updates bus state from a transaction the gateway did not
// originate. A SELECT updates the selection cache; a READ or SET is
// attributed to the selected controller.
func (b *Bus) Interpret(sent, received string) {
	b.logDebug("relayed transaction", "sent", sent, "received", received)

	verb, arg, _ := ParseCommand(sent)
	switch verb {
	case CmdSelect:
		c := b.controllers[arg]
		if c != nil && received == selectConfirmation(arg) {
			b.setSelected(c)
		} else {
			b.setSelected(nil)
		}
	case CmdRead, CmdSet:
		if b.selected == nil {
			b.logDebug("no controller selected; ignoring", "command", sent)
			return
		}
		b.selected.interpret(verb, arg, received)
	default:
		b.logDebug("unrecognised command", "command", sent)
	}
}

// SendDiscovery publishes discovery for every register and action, forces
// a poll of every register within 10s and makes presence due in 5s.
func (b *Bus) SendDiscovery() {
	b.discoveryBursts.Add(1)
	b.logDebug("sending discovery")

	for _, c := range b.ordered {
		c.sendDiscovery()
		for _, name := range c.order {
			c.registers[name].ScheduleUpdate(initialPollDelay)
		}
	}

	b.lastAnnounce = b.now().Add(presenceAfterDiscovery - b.presenceInterval)
}

// AnnouncePresence publishes "online" on the availability topic when the
// presence interval has elapsed.
func (b *Bus) AnnouncePresence() {
	now := b.now()
	if !b.lastAnnounce.IsZero() && now.Sub(b.lastAnnounce) < b.presenceInterval {
		return
	}
	err := b.publisher.Publish(b.topics.Availability(), []byte(mqtt.PayloadOnline), b.qos, true)
	if err != nil {
		b.publishErrors.Add(1)
		b.logWarn("presence announcement failed", "error", err)
		return
	}
	b.presenceAnnounced.Add(1)
	b.lastAnnounce = now
}

// Stats returns a snapshot of the bus counters. Safe for concurrent use.
func (b *Bus) Stats() BusStats {
	return BusStats{
		Transactions:        b.transactions.Load(),
		RelayTransactions:   b.relayTransactions.Load(),
		Timeouts:            b.timeouts.Load(),
		Corrupt:             b.corrupt.Load(),
		SelectionChanges:    b.selectionChanges.Load(),
		ProtocolErrors:      b.protocolErrors.Load(),
		Polls:               b.polls.Load(),
		PollFailures:        b.pollFailures.Load(),
		Published:           b.published.Load(),
		Suppressed:          b.suppressed.Load(),
		PublishErrors:       b.publishErrors.Load(),
		Commands:            b.commandsHandled.Load(),
		CommandErrors:       b.commandErrors.Load(),
		DiscoveryBursts:     b.discoveryBursts.Load(),
		PresenceAnnounced:   b.presenceAnnounced.Load(),
		ControllersOffline:  int(b.offline.Load()),
		ControllersDeclared: len(b.ordered),
	}
}

// transact runs one exchange on the link and notifies the taps.
func (b *Bus) transact(origin Origin, session, cmd string) Reply {
	tx := Transaction{
		Origin:  origin,
		Session: session,
		Command: cmd,
		Started: b.now(),
	}
	if verb, arg, _ := ParseCommand(cmd); verb == CmdSelect {
		tx.Controller = arg
	} else if b.selected != nil {
		tx.Controller = b.selected.name
	}

	start := time.Now()
	tx.Reply = b.link.Transact(cmd)
	tx.Duration = time.Since(start)

	b.transactions.Add(1)
	if origin == OriginRelay {
		b.relayTransactions.Add(1)
	}
	switch tx.Reply.Status {
	case ReplyTimeout:
		b.timeouts.Add(1)
	case ReplyCorrupt:
		b.corrupt.Add(1)
	}

	for _, tap := range b.taps {
		tap.Transaction(tx)
	}
	return tx.Reply
}

func (b *Bus) setSelected(c *Controller) {
	if b.selected == c {
		return
	}
	b.selectionChanges.Add(1)
	b.selected = c
}

// publish sends a non-retained message at the configured QoS.
func (b *Bus) publish(topic string, payload []byte) error {
	if err := b.publisher.Publish(topic, payload, b.qos, false); err != nil {
		b.publishErrors.Add(1)
		return err
	}
	b.published.Add(1)
	return nil
}

func (b *Bus) publishDiscovery(topic string, payload []byte, err error) {
	if err != nil {
		b.logError("encoding discovery payload failed", err, "topic", topic)
		return
	}
	if err := b.publish(topic, payload); err != nil {
		b.logWarn("discovery publish failed", "topic", topic, "error", err)
	}
}

func (b *Bus) notifyState(s RegisterState) {
	for _, sink := range b.sinks {
		sink.RegisterState(s)
	}
}

func (b *Bus) now() time.Time {
	return b.clock()
}

func (b *Bus) logDebug(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bus) logInfo(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Info(msg, keysAndValues...)
	}
}

func (b *Bus) logWarn(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bus) logError(msg string, err error, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
