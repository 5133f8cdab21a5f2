package fvbus

import (
	"errors"
	"strings"
	"testing"
)

func modeRegisters(mode string) map[string]string {
	return map[string]string{
		mode + "/lo":   "18.0",
		mode + "/hi":   "20.0",
		mode + "/a/lo": "10.0",
		mode + "/a/hi": "25.0",
		mode + "/j/lo": "17.0",
		mode + "/j/hi": "21.0",
		mode + "/name": "ferment",
		"set/lo":       "1.0",
		"set/hi":       "2.0",
		"alarm/lo":     "3.0",
		"alarm/hi":     "4.0",
		"jog/lo":       "5.0",
		"jog/hi":       "6.0",
		"mode":         "idle",
	}
}

func setCommands(sent []string) []string {
	var out []string
	for _, cmd := range sent {
		if strings.HasPrefix(cmd, "SET ") {
			out = append(out, cmd)
		}
	}
	return out
}

func TestCompositeAction_Activate(t *testing.T) {
	sim := newSimBus(newSimController("F1", modeRegisters("m1")))
	h := newHarness(t, sim, controllerConfig("F1", "set/lo", "set/hi", "mode", "m1/name"))

	f1, _ := h.bus.Controller("F1")
	if len(f1.actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(f1.actions))
	}
	a := f1.actions[0]
	if a.Name() != "m1/activate" {
		t.Errorf("Name() = %q", a.Name())
	}

	applied, err := a.Activate()
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if applied != 7 {
		t.Errorf("applied = %d, want 7", applied)
	}

	sent := sim.sent()
	want := []string{
		"SET set/lo 18.0",
		"SET set/hi 20.0",
		"SET alarm/lo 10.0",
		"SET alarm/hi 25.0",
		"SET jog/lo 17.0",
		"SET jog/hi 21.0",
		"SET mode ferment",
	}
	if got := setCommands(sent); !equalStrings(got, want) {
		t.Errorf("writes = %q, want %q", got, want)
	}
	// Every read precedes the first write.
	firstSet := len(sent)
	for i, cmd := range sent {
		if strings.HasPrefix(cmd, "SET ") {
			firstSet = i
			break
		}
	}
	for _, cmd := range sent[firstSet:] {
		if strings.HasPrefix(cmd, "READ ") {
			t.Errorf("read %q issued after the write phase started", cmd)
		}
	}

	// Tracked destinations are republished; untracked ones are not.
	if got := h.pub.payloads("fvcontrol/F1/set_lo/state"); !equalStrings(got, []string{"18.0"}) {
		t.Errorf("set/lo published = %q", got)
	}
	if got := h.pub.payloads("fvcontrol/F1/mode/state"); !equalStrings(got, []string{"ferment"}) {
		t.Errorf("mode published = %q", got)
	}
	if got := h.pub.payloads("fvcontrol/F1/alarm_lo/state"); len(got) != 0 {
		t.Errorf("untracked alarm/lo published %q", got)
	}
}

func TestCompositeAction_SourceFailureWritesNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*simBus)
	}{
		{"source missing on hardware", func(s *simBus) {
			delete(s.controllers["F1"].regs, "m0/a/hi")
		}},
		{"source empty", func(s *simBus) {
			s.controllers["F1"].regs["m0/j/lo"] = ""
		}},
		{"source read times out", func(s *simBus) {
			s.raw = func(cmd string) ([]byte, bool) {
				return nil, cmd == "READ m0/name"
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := newSimBus(newSimController("F1", modeRegisters("m0")))
			h := newHarness(t, sim, controllerConfig("F1", "set/lo", "m0/name"))
			sim.mu.Lock()
			tt.setup(sim)
			sim.mu.Unlock()

			f1, _ := h.bus.Controller("F1")
			applied, err := f1.actions[0].Activate()
			if !errors.Is(err, ErrSourceUnavailable) {
				t.Errorf("Activate() error = %v, want ErrSourceUnavailable", err)
			}
			if applied != 0 {
				t.Errorf("applied = %d, want 0", applied)
			}
			if got := setCommands(sim.sent()); len(got) != 0 {
				t.Errorf("writes = %q, want none", got)
			}
			if sim.reg("F1", "set/lo") != "1.0" {
				t.Error("hardware modified by an aborted action")
			}
		})
	}
}

func TestCompositeAction_StopsAtFirstFailedWrite(t *testing.T) {
	sim := newSimBus(newSimController("F1", modeRegisters("m0")))
	h := newHarness(t, sim, controllerConfig("F1", "m0/name"))
	sim.raw = func(cmd string) ([]byte, bool) {
		if strings.HasPrefix(cmd, "SET alarm/lo ") {
			return []byte("ERR locked\n"), true
		}
		return nil, false
	}

	f1, _ := h.bus.Controller("F1")
	applied, err := f1.actions[0].Activate()
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Errorf("Activate() error = %v, want ErrProtocolMismatch", err)
	}
	if applied != 2 {
		t.Errorf("applied = %d, want 2", applied)
	}
	want := []string{"SET set/lo 18.0", "SET set/hi 20.0", "SET alarm/lo 10.0"}
	if got := setCommands(sim.sent()); !equalStrings(got, want) {
		t.Errorf("writes = %q, want %q", got, want)
	}
}

func TestCompositeAction_CommandTopic(t *testing.T) {
	sim := newSimBus(newSimController("F1", modeRegisters("m3")))
	h := newHarness(t, sim, controllerConfig("F1", "m3/name"))

	h.bus.HandleMessage("fvcontrol/F1/m3_activate/command", []byte("PRESS"))

	if got := len(setCommands(sim.sent())); got != 7 {
		t.Errorf("writes = %d, want 7", got)
	}
	if sim.reg("F1", "mode") != "ferment" {
		t.Errorf("mode = %q, want ferment", sim.reg("F1", "mode"))
	}
}

func TestModeNameIndex(t *testing.T) {
	tests := []struct {
		reg  string
		want int
		ok   bool
	}{
		{"m0/name", 0, true},
		{"m5/name", 5, true},
		{"m6/name", 0, false},
		{"m0/lo", 0, false},
		{"mode", 0, false},
		{"mx/name", 0, false},
		{"t0", 0, false},
	}
	for _, tt := range tests {
		got, ok := modeNameIndex(tt.reg)
		if got != tt.want || ok != tt.ok {
			t.Errorf("modeNameIndex(%q) = %d, %v, want %d, %v", tt.reg, got, ok, tt.want, tt.ok)
		}
	}
}
