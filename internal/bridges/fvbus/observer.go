package fvbus

import (
	"strings"
	"time"
)

// Origin identifies who issued a bus transaction.
type Origin string

const (
	// OriginGateway is traffic generated by polling, commands and actions.
	OriginGateway Origin = "gateway"
	// OriginRelay is traffic forwarded verbatim from a relay client.
	OriginRelay Origin = "relay"
)

// Transaction is one command/reply exchange on the bus.
type Transaction struct {
	Origin  Origin
	Session string // relay session id; empty for gateway traffic

	// Controller is the SELECT target, or the controller selected when a
	// READ or SET was sent. Empty when unknown.
	Controller string

	Command  string
	Reply    Reply
	Started  time.Time
	Duration time.Duration
}

// Verb returns the command keyword (SELECT, READ, SET) or "" for anything else.
func (t Transaction) Verb() string {
	verb, _, _ := ParseCommand(t.Command)
	return verb
}

// Register returns the register a READ or SET addressed.
func (t Transaction) Register() string {
	verb, arg, _ := ParseCommand(t.Command)
	if verb == CmdRead || verb == CmdSet {
		return arg
	}
	return ""
}

// Value returns the value carried by an OK reply to a READ or SET, or "".
func (t Transaction) Value() string {
	v, err := t.Result()
	if err != nil {
		return ""
	}
	return v
}

// Result applies the READ or SET reply grammar to the reply line and
// returns the value it carries.
func (t Transaction) Result() (string, error) {
	if err := t.Reply.Err(); err != nil {
		return "", err
	}
	verb, reg, _ := ParseCommand(t.Command)
	switch verb {
	case CmdRead:
		return parseReadReply(t.Reply.Line)
	case CmdSet:
		return parseSetReply(reg, t.Reply.Line)
	default:
		return "", ErrProtocolMismatch
	}
}

// TrafficTap receives every transaction after it completes.
// Taps run on the bus goroutine and must not block.
type TrafficTap interface {
	Transaction(t Transaction)
}

// RegisterState is a value that was just published for a register.
type RegisterState struct {
	Controller string
	Register   string
	Kind       string
	Data       DataKind
	Value      string
	At         time.Time
}

// StateSink receives every published register value.
// Sinks run on the bus goroutine and must not block.
type StateSink interface {
	RegisterState(s RegisterState)
}

// Command keywords.
const (
	CmdSelect = "SELECT"
	CmdRead   = "READ"
	CmdSet    = "SET"
)

// ParseCommand splits a command line into its keyword, first argument and
// remainder. Unknown commands return an empty verb.
func ParseCommand(cmd string) (verb, arg, rest string) {
	cmd = strings.TrimRight(cmd, "\r\n")
	switch {
	case strings.HasPrefix(cmd, CmdSelect+" "):
		return CmdSelect, cmd[len(CmdSelect)+1:], ""
	case strings.HasPrefix(cmd, CmdRead+" "):
		return CmdRead, cmd[len(CmdRead)+1:], ""
	case strings.HasPrefix(cmd, CmdSet+" "):
		reg, val, ok := strings.Cut(cmd[len(CmdSet)+1:], " ")
		if !ok {
			return "", "", ""
		}
		return CmdSet, reg, val
	default:
		return "", "", ""
	}
}
