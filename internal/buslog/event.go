package buslog

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/fvgateway/internal/bridges/fvbus"
)

// Event is one captured record. CBOR encoding uses integer keys.
type Event struct {
	// Timestamp is when the transaction started or the value was published.
	Timestamp time.Time `cbor:"1,keyasint"`

	// Run identifies the gateway process that wrote the event.
	Run string `cbor:"2,keyasint,omitempty"`

	Kind EventKind `cbor:"3,keyasint"`

	// Origin is "gateway" or "relay".
	Origin string `cbor:"4,keyasint,omitempty"`

	// Session is the relay session id, empty for gateway traffic.
	Session string `cbor:"5,keyasint,omitempty"`

	Controller string `cbor:"6,keyasint,omitempty"`
	Register   string `cbor:"7,keyasint,omitempty"`

	// Command is the line sent, without its terminator.
	Command string `cbor:"8,keyasint,omitempty"`

	Status Status `cbor:"9,keyasint"`

	// Reply is the line received, without its terminator.
	Reply string `cbor:"10,keyasint,omitempty"`

	Duration time.Duration `cbor:"11,keyasint,omitempty"`

	// Value is the register value for KindState events.
	Value string `cbor:"12,keyasint,omitempty"`
}

// EventKind tells transactions from published values.
type EventKind uint8

const (
	// KindTransaction is one command/reply exchange.
	KindTransaction EventKind = 0
	// KindState is a register value published to MQTT.
	KindState EventKind = 1
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case KindTransaction:
		return "TX"
	case KindState:
		return "STATE"
	default:
		return "UNKNOWN"
	}
}

// Status is the reply classification stored in the file.
type Status uint8

const (
	StatusOK      Status = 0
	StatusTimeout Status = 1
	StatusCorrupt Status = 2
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusCorrupt:
		return "CORRUPT"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus accepts the names String returns, case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(s) {
	case "OK":
		return StatusOK, nil
	case "TIMEOUT":
		return StatusTimeout, nil
	case "CORRUPT":
		return StatusCorrupt, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

func statusOf(s fvbus.ReplyStatus) Status {
	switch s {
	case fvbus.ReplyOK:
		return StatusOK
	case fvbus.ReplyCorrupt:
		return StatusCorrupt
	default:
		return StatusTimeout
	}
}

// TransactionEvent converts a bus transaction into a capture event.
func TransactionEvent(tx fvbus.Transaction) Event {
	return Event{
		Timestamp:  tx.Started,
		Kind:       KindTransaction,
		Origin:     string(tx.Origin),
		Session:    tx.Session,
		Controller: tx.Controller,
		Register:   tx.Register(),
		Command:    strings.TrimRight(tx.Command, "\r\n"),
		Status:     statusOf(tx.Reply.Status),
		Reply:      strings.TrimRight(tx.Reply.Line, "\r\n"),
		Duration:   tx.Duration,
	}
}

// StateEvent converts a published register value into a capture event.
func StateEvent(s fvbus.RegisterState) Event {
	return Event{
		Timestamp:  s.At,
		Kind:       KindState,
		Origin:     string(fvbus.OriginGateway),
		Controller: s.Controller,
		Register:   s.Register,
		Status:     StatusOK,
		Value:      s.Value,
	}
}

// String renders the event as one line for humans.
func (e Event) String() string {
	ts := e.Timestamp.Format("2006-01-02 15:04:05.000")
	if e.Kind == KindState {
		return fmt.Sprintf("%s STATE   %-8s %s = %q", ts, e.Controller, e.Register, e.Value)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-7s %-8s %-22s", ts, strings.ToUpper(e.Origin), e.Controller, e.Command)
	switch e.Status {
	case StatusOK:
		fmt.Fprintf(&b, " -> %s", e.Reply)
	default:
		fmt.Fprintf(&b, " -> %s", e.Status)
	}
	fmt.Fprintf(&b, " (%s)", e.Duration.Round(time.Microsecond))
	if e.Session != "" {
		fmt.Fprintf(&b, " [%s]", e.Session)
	}
	return b.String()
}
