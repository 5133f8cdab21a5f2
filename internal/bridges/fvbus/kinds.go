package fvbus

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DataKind is the value type a register carries.
type DataKind uint8

const (
	DataString DataKind = iota
	DataFloat
	DataInteger
)

func (d DataKind) String() string {
	switch d {
	case DataFloat:
		return "float"
	case DataInteger:
		return "integer"
	default:
		return "string"
	}
}

// Home Assistant components used by the kind table.
const (
	ComponentSensor = "sensor"
	ComponentNumber = "number"
	ComponentText   = "text"
	ComponentButton = "button"
)

// Poll cadences.
const (
	PollFast  = 60 * time.Second
	PollDaily = 24 * time.Hour
)

// Temperature probe range. Readings outside it are bus or probe faults.
const (
	minProbeCelsius = -55.0
	maxProbeCelsius = 125.0
)

// Set point range accepted from the command topic.
const (
	minSetPoint = 0.0
	maxSetPoint = 100.0
)

// maxTextLength is the firmware's text register buffer size.
const maxTextLength = 8

// Kind describes the shared behaviour of a family of registers.
type Kind struct {
	Name         string
	Data         DataKind
	Writable     bool
	PollInterval time.Duration
	Component    string

	// Discovery holds extra keys merged into the discovery payload.
	Discovery map[string]any

	// Render turns a raw hardware value into the published payload.
	// Returning false suppresses the publish. Nil publishes the raw value.
	Render func(raw string) (string, bool)

	// Validate checks an inbound command payload after the common
	// character checks. Nil accepts anything that passes those.
	Validate func(value string) error

	// Ack runs after a successful publish.
	Ack func(r *Register, value string)
}

// render applies the kind's Render hook.
func (k *Kind) render(raw string) (string, bool) {
	if k.Render == nil {
		return raw, true
	}
	return k.Render(raw)
}

// validate applies the checks every writable kind shares, then the
// kind-specific hook.
func (k *Kind) validate(value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidValue)
	}
	for i := 0; i < len(value); i++ {
		b := value[i]
		if b < 0x20 || b > 0x7e {
			return fmt.Errorf("%w: byte 0x%02x at offset %d", ErrInvalidValue, b, i)
		}
	}
	if k.Validate != nil {
		return k.Validate(value)
	}
	return nil
}

type kindEntry struct {
	kind  *Kind
	label string
}

// KindTable maps register names to their kind and human label.
// It is built once and read-only afterwards.
type KindTable struct {
	entries map[string]kindEntry
}

// NewKindTable returns an empty table.
func NewKindTable() *KindTable {
	return &KindTable{entries: make(map[string]kindEntry)}
}

// Add registers kind for every name in labels. Later additions win.
func (t *KindTable) Add(kind *Kind, labels map[string]string) {
	for name, label := range labels {
		t.entries[name] = kindEntry{kind: kind, label: label}
	}
}

// Lookup returns the kind and label for a register name.
func (t *KindTable) Lookup(name string) (*Kind, string, bool) {
	e, ok := t.entries[name]
	if !ok {
		return nil, "", false
	}
	return e.kind, e.label, true
}

// Names returns every known register name, sorted.
func (t *KindTable) Names() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultKinds returns the register table of the fvcontroller firmware.
func DefaultKinds() *KindTable {
	t := NewKindTable()

	temperatureUnits := map[string]any{
		"device_class":        "temperature",
		"unit_of_measurement": "°C",
	}
	setPointExtras := func(category string) map[string]any {
		m := map[string]any{
			"step": 0.1,
			"min":  minSetPoint,
			"max":  maxSetPoint,
		}
		for k, v := range temperatureUnits {
			m[k] = v
		}
		if category != "" {
			m["entity_category"] = category
		}
		return m
	}

	t.Add(&Kind{
		Name:         "temperature",
		Data:         DataFloat,
		PollInterval: PollFast,
		Component:    ComponentSensor,
		Discovery: map[string]any{
			"state_class":                 "measurement",
			"device_class":                "temperature",
			"unit_of_measurement":         "°C",
			"suggested_display_precision": 2,
		},
		Render: renderTemperature,
	}, indexed("t%d", 4, "Temperature sensor %d"))

	t.Add(&Kind{
		Name:         "temperature-id",
		Data:         DataString,
		PollInterval: PollDaily,
		Component:    ComponentSensor,
		Discovery:    map[string]any{"entity_category": "diagnostic"},
	}, indexed("t%d/id", 4, "Temperature sensor %d ID"))

	t.Add(&Kind{
		Name:         "setpoint",
		Data:         DataFloat,
		Writable:     true,
		PollInterval: PollFast,
		Component:    ComponentNumber,
		Discovery:    setPointExtras(""),
		Render:       renderTenths,
		Validate:     validateSetPoint,
	}, map[string]string{
		"set/lo":   "Low set point",
		"set/hi":   "High set point",
		"alarm/lo": "Alarm low set point",
		"alarm/hi": "Alarm high set point",
		"jog/lo":   "Stuck valve low set point",
		"jog/hi":   "Stuck valve high set point",
	})

	t.Add(&Kind{
		Name:         "valve",
		Data:         DataString,
		PollInterval: PollFast,
		Component:    ComponentSensor,
	}, map[string]string{"v0": "Valve status"})

	t.Add(&Kind{
		Name:         "mode",
		Data:         DataString,
		Writable:     true,
		PollInterval: PollFast,
		Component:    ComponentText,
		Discovery:    map[string]any{"min": 1, "max": maxTextLength},
		Validate:     validateText,
	}, map[string]string{"mode": "Mode"})

	t.Add(&Kind{
		Name:         "alarm",
		Data:         DataString,
		PollInterval: PollFast,
		Component:    ComponentSensor,
	}, map[string]string{"alarm": "Alarm"})

	t.Add(&Kind{
		Name:         "mode-name",
		Data:         DataString,
		Writable:     true,
		PollInterval: PollDaily,
		Component:    ComponentText,
		Discovery: map[string]any{
			"entity_category": "config",
			"min":             1,
			"max":             maxTextLength,
		},
		Validate: validateText,
	}, indexed("m%d/name", modeCount, "Mode %d name"))

	modeTemp := &Kind{
		Name:         "mode-temp",
		Data:         DataFloat,
		Writable:     true,
		PollInterval: PollDaily,
		Component:    ComponentNumber,
		Discovery:    setPointExtras("config"),
		Render:       renderTenths,
		Validate:     validateSetPoint,
	}
	for m := range modeCount {
		t.Add(modeTemp, map[string]string{
			fmt.Sprintf("m%d/lo", m):   fmt.Sprintf("Mode %d low set point", m),
			fmt.Sprintf("m%d/hi", m):   fmt.Sprintf("Mode %d high set point", m),
			fmt.Sprintf("m%d/a/lo", m): fmt.Sprintf("Mode %d alarm low set point", m),
			fmt.Sprintf("m%d/a/hi", m): fmt.Sprintf("Mode %d alarm high set point", m),
			fmt.Sprintf("m%d/j/lo", m): fmt.Sprintf("Mode %d stuck valve low set point", m),
			fmt.Sprintf("m%d/j/hi", m): fmt.Sprintf("Mode %d stuck valve high set point", m),
		})
	}

	t.Add(&Kind{
		Name:         "error-counter",
		Data:         DataInteger,
		PollInterval: PollFast,
		Component:    ComponentSensor,
		Discovery: map[string]any{
			"entity_category": "diagnostic",
			"state_class":     "measurement",
		},
		Render: renderInteger,
		Ack:    ackErrorCounter,
	}, map[string]string{
		"err/miss": "Missing probe errors",
		"err/shrt": "Shorted probe bus errors",
		"err/crc":  "Probe CRC errors",
		"err/pwr":  "Probe power errors",
	})

	t.Add(&Kind{
		Name:         "identity",
		Data:         DataString,
		PollInterval: PollDaily,
		Component:    ComponentSensor,
		Discovery:    map[string]any{"entity_category": "diagnostic"},
	}, map[string]string{"ident": "Controller identity"})

	t.Add(&Kind{
		Name:         "version",
		Data:         DataString,
		PollInterval: PollDaily,
		Component:    ComponentSensor,
		Discovery:    map[string]any{"entity_category": "diagnostic"},
	}, map[string]string{"ver": "Firmware version"})

	return t
}

func indexed(nameFormat string, n int, labelFormat string) map[string]string {
	m := make(map[string]string, n)
	for i := range n {
		m[fmt.Sprintf(nameFormat, i)] = fmt.Sprintf(labelFormat, i)
	}
	return m
}

func renderTemperature(raw string) (string, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v < minProbeCelsius || v > maxProbeCelsius {
		return "", false
	}
	return raw, true
}

func renderTenths(raw string) (string, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(v, 'f', 1, 64), true
}

func renderInteger(raw string) (string, bool) {
	if _, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err != nil {
		return "", false
	}
	return raw, true
}

func validateSetPoint(value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not a number", ErrInvalidValue, value)
	}
	if !(v >= minSetPoint && v <= maxSetPoint) {
		return fmt.Errorf("%w: %g outside %g..%g", ErrInvalidValue, v, minSetPoint, maxSetPoint)
	}
	return nil
}

func validateText(value string) error {
	if len(value) > maxTextLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidValue, maxTextLength)
	}
	return nil
}

// ackErrorCounter writes a nonzero count back so the firmware subtracts
// it. The echo is not republished; the next poll reports the new count.
func ackErrorCounter(r *Register, value string) {
	if value == "0" {
		return
	}
	if _, err := r.controller.Write(r.name, value); err != nil {
		r.logWarn("error counter acknowledgement failed", "value", value, "error", err)
	}
}
