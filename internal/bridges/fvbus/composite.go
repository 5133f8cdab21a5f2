package fvbus

import (
	"fmt"
	"strconv"
	"strings"
)

// modeCount is the number of stored modes the firmware holds.
const modeCount = 6

// copyStep copies one source register into one destination register.
type copyStep struct {
	dst string
	src string
}

// CompositeAction copies a group of registers in one operation.
//
// All sources are read before anything is written, so a failed read leaves
// the hardware untouched. Writes happen in mapping order and stop at the
// first failure.
type CompositeAction struct {
	controller   *Controller
	name         string
	label        string
	steps        []copyStep
	commandTopic string

	activations uint64
	failures    uint64
}

// newModeActivation builds the action that makes stored mode n current.
func newModeActivation(c *Controller, n int) *CompositeAction {
	m := fmt.Sprintf("m%d", n)
	name := m + "/activate"
	return &CompositeAction{
		controller: c,
		name:       name,
		label:      fmt.Sprintf("Activate mode %d", n),
		steps: []copyStep{
			{dst: "set/lo", src: m + "/lo"},
			{dst: "set/hi", src: m + "/hi"},
			{dst: "alarm/lo", src: m + "/a/lo"},
			{dst: "alarm/hi", src: m + "/a/hi"},
			{dst: "jog/lo", src: m + "/j/lo"},
			{dst: "jog/hi", src: m + "/j/hi"},
			{dst: "mode", src: m + "/name"},
		},
		commandTopic: c.bus.topics.Command(c.name, name),
	}
}

// modeNameIndex reports whether reg is a stored mode name register, and
// which mode.
func modeNameIndex(reg string) (int, bool) {
	rest, ok := strings.CutPrefix(reg, "m")
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, "/name")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 || n >= modeCount {
		return 0, false
	}
	return n, true
}

// Name returns the action name, e.g. "m2/activate".
func (a *CompositeAction) Name() string { return a.name }

// Activate reads every source then writes every destination. It returns
// the number of writes applied. Destinations the controller tracks are
// republished with the value the hardware confirmed.
func (a *CompositeAction) Activate() (int, error) {
	c := a.controller
	b := c.bus
	a.activations++

	values := make([]string, len(a.steps))
	for i, step := range a.steps {
		v, err := c.Read(step.src)
		if err != nil {
			a.failures++
			b.logError("composite action aborted", err,
				"controller", c.name, "action", a.name, "source", step.src)
			return 0, fmt.Errorf("%s: %w: %s: %w", a.name, ErrSourceUnavailable, step.src, err)
		}
		if v == "" {
			a.failures++
			b.logError("composite action aborted", ErrSourceUnavailable,
				"controller", c.name, "action", a.name, "source", step.src)
			return 0, fmt.Errorf("%s: %w: %s is empty", a.name, ErrSourceUnavailable, step.src)
		}
		values[i] = v
	}

	applied := 0
	for i, step := range a.steps {
		confirmed, err := c.Write(step.dst, values[i])
		if err != nil {
			a.failures++
			b.logError("composite action incomplete", err,
				"controller", c.name, "action", a.name,
				"destination", step.dst, "applied", applied)
			return applied, fmt.Errorf("%s: write %s: %w", a.name, step.dst, err)
		}
		applied++
		if r, ok := c.registers[step.dst]; ok {
			r.PublishUpdate(confirmed)
		}
	}

	b.logInfo("composite action applied", "controller", c.name, "action", a.name)
	return applied, nil
}

// HandleCommand runs the action. The payload is ignored.
func (a *CompositeAction) HandleCommand(string) error {
	_, err := a.Activate()
	return err
}
