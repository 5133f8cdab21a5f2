package fvbus

import "time"

// ControllerSnapshot is a point-in-time view of one controller.
type ControllerSnapshot struct {
	Name         string             `json:"name"`
	EntityPrefix string             `json:"entity_prefix"`
	SWVersion    string             `json:"sw_version,omitempty"`
	Online       bool               `json:"online"`
	Selected     bool               `json:"selected"`
	Registers    []RegisterSnapshot `json:"registers"`
	Actions      []string           `json:"actions,omitempty"`
}

// RegisterSnapshot is a point-in-time view of one register.
type RegisterSnapshot struct {
	Name          string    `json:"name"`
	Label         string    `json:"label"`
	Kind          string    `json:"kind"`
	Data          string    `json:"data"`
	Writable      bool      `json:"writable"`
	PollInterval  string    `json:"poll_interval"`
	LastValue     string    `json:"last_value,omitempty"`
	LastPublished time.Time `json:"last_published,omitzero"`
	LastPoll      time.Time `json:"last_poll"`
	NextPoll      time.Time `json:"next_poll"`
	Polls         uint64    `json:"polls"`
	Failures      uint64    `json:"failures"`
}

// Snapshot returns the state of every controller in declaration order.
// It must run on the goroutine that owns the bus.
func (b *Bus) Snapshot() []ControllerSnapshot {
	out := make([]ControllerSnapshot, 0, len(b.ordered))
	for _, c := range b.ordered {
		cs := ControllerSnapshot{
			Name:         c.name,
			EntityPrefix: c.entityPrefix,
			SWVersion:    c.swVersion,
			Online:       c.online,
			Selected:     b.selected == c,
			Registers:    make([]RegisterSnapshot, 0, len(c.order)),
		}
		for _, name := range c.order {
			r := c.registers[name]
			cs.Registers = append(cs.Registers, RegisterSnapshot{
				Name:          r.name,
				Label:         r.label,
				Kind:          r.kind.Name,
				Data:          r.kind.Data.String(),
				Writable:      r.kind.Writable,
				PollInterval:  r.pollInterval.String(),
				LastValue:     r.lastValue,
				LastPublished: r.lastPublished,
				LastPoll:      r.lastPoll,
				NextPoll:      r.NextPoll(),
				Polls:         r.polls,
				Failures:      r.failures,
			})
		}
		for _, a := range c.actions {
			cs.Actions = append(cs.Actions, a.name)
		}
		out = append(out, cs)
	}
	return out
}
