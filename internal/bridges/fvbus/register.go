package fvbus

import (
	"time"
)

// Register is one named state slot on a controller.
//
// lastPoll only moves forward. A forced poll (first poll, post-discovery,
// write readback) is tracked separately in forceAt so scheduling one never
// rewinds lastPoll.
type Register struct {
	controller   *Controller
	name         string
	label        string
	kind         *Kind
	pollInterval time.Duration

	stateTopic   string
	commandTopic string

	lastPoll time.Time
	forceAt  time.Time

	lastValue     string
	lastPublished time.Time
	polls         uint64
	failures      uint64
}

func newRegister(c *Controller, rc RegisterConfig, kind *Kind, label string) *Register {
	b := c.bus
	r := &Register{
		controller:   c,
		name:         rc.Name,
		label:        label,
		kind:         kind,
		pollInterval: kind.PollInterval,
		stateTopic:   b.topics.State(c.name, rc.Name),
	}
	if rc.PollInterval > 0 {
		r.pollInterval = rc.PollInterval
	}
	if rc.Description != "" {
		r.label = rc.Description
	}
	if kind.Writable {
		r.commandTopic = b.topics.Command(c.name, rc.Name)
	}

	r.lastPoll = b.now()
	r.ScheduleUpdate(initialPollDelay)
	return r
}

// Name returns the register name.
func (r *Register) Name() string { return r.name }

// Kind returns the register kind.
func (r *Register) Kind() *Kind { return r.kind }

// LastPoll returns the time of the last completed poll or publish.
func (r *Register) LastPoll() time.Time { return r.lastPoll }

// LastValue returns the last published payload.
func (r *Register) LastValue() string { return r.lastValue }

// NextPoll returns when the register next becomes due.
func (r *Register) NextPoll() time.Time {
	next := r.lastPoll.Add(r.pollInterval)
	if !r.forceAt.IsZero() && r.forceAt.Before(next) {
		return r.forceAt
	}
	return next
}

// ScheduleUpdate forces a poll no later than delay from now.
func (r *Register) ScheduleUpdate(delay time.Duration) {
	at := r.controller.bus.now().Add(delay)
	if r.forceAt.IsZero() || at.Before(r.forceAt) {
		r.forceAt = at
	}
}

func (r *Register) due(now time.Time) bool {
	if now.Sub(r.lastPoll) >= r.pollInterval {
		return true
	}
	return !r.forceAt.IsZero() && !now.Before(r.forceAt)
}

// touch records a completed poll.
func (r *Register) touch(now time.Time) {
	if now.After(r.lastPoll) {
		r.lastPoll = now
	}
	r.forceAt = time.Time{}
}

// poll reads the register and publishes the result if the register is
// due, and reports whether it was. A failed read is handled like an empty
// value.
func (r *Register) poll(now time.Time) bool {
	if !r.due(now) {
		return false
	}

	b := r.controller.bus
	b.polls.Add(1)
	r.polls++

	v, err := r.controller.Read(r.name)
	if err != nil {
		b.pollFailures.Add(1)
		r.failures++
		r.logDebug("poll failed", "error", err)
		r.PublishUpdate("")
		return true
	}
	r.controller.markOnline()
	r.PublishUpdate(v)
	return true
}

// PublishUpdate publishes a value read from or confirmed by the hardware.
//
// An empty value is not published. Writable registers may legitimately be
// blank, so they still count as polled; read-only registers do not, and are
// retried next round. A value the kind refuses to render is dropped but
// counts as polled. After a successful publish the kind's Ack hook runs.
func (r *Register) PublishUpdate(value string) {
	r.publish(value, true)
}

// publish is PublishUpdate with the Ack hook optional. Values observed on
// relayed traffic are published with ack false, so observing never puts
// anything on the bus.
func (r *Register) publish(value string, ack bool) {
	b := r.controller.bus
	now := b.now()

	if value == "" {
		r.logDebug("empty value; not publishing")
		if r.kind.Writable {
			r.touch(now)
		}
		return
	}

	payload, ok := r.kind.render(value)
	if !ok {
		b.suppressed.Add(1)
		r.logWarn("value suppressed", "value", value)
		r.touch(now)
		return
	}

	if err := b.publish(r.stateTopic, []byte(payload)); err != nil {
		r.logWarn("state publish failed", "error", err)
	} else {
		r.lastValue = payload
		r.lastPublished = now
		b.notifyState(RegisterState{
			Controller: r.controller.name,
			Register:   r.name,
			Kind:       r.kind.Name,
			Data:       r.kind.Data,
			Value:      payload,
			At:         now,
		})
		if ack && r.kind.Ack != nil {
			r.kind.Ack(r, value)
		}
	}
	r.touch(now)
}

// HandleCommand writes an inbound command payload to the hardware and
// publishes the confirmed value. On a failed write the register is re-read
// shortly afterwards so the published state converges on the hardware.
func (r *Register) HandleCommand(payload string) error {
	if !r.kind.Writable {
		r.logError("write to read-only register rejected", ErrReadOnly)
		return ErrReadOnly
	}
	if err := r.kind.validate(payload); err != nil {
		r.logWarn("command rejected", "payload", payload, "error", err)
		return err
	}

	confirmed, err := r.controller.Write(r.name, payload)
	if err != nil {
		r.logError("write failed", err, "payload", payload)
		r.ScheduleUpdate(readbackDelay)
		return err
	}
	r.PublishUpdate(confirmed)
	return nil
}

func (r *Register) logDebug(msg string, keysAndValues ...any) {
	r.controller.bus.logDebug(msg, r.logFields(keysAndValues)...)
}

func (r *Register) logWarn(msg string, keysAndValues ...any) {
	r.controller.bus.logWarn(msg, r.logFields(keysAndValues)...)
}

func (r *Register) logError(msg string, err error, keysAndValues ...any) {
	r.controller.bus.logError(msg, err, r.logFields(keysAndValues)...)
}

func (r *Register) logFields(keysAndValues []any) []any {
	return append([]any{"controller", r.controller.name, "register", r.name}, keysAndValues...)
}
