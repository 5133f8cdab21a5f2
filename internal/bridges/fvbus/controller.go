package fvbus

import (
	"fmt"
	"strings"

	"github.com/nerrad567/fvgateway/internal/infrastructure/mqtt"
)

// Registers read by the controller itself.
const (
	identRegister   = "ident"
	versionRegister = "ver"
)

// Controller is one addressable node on the bus.
type Controller struct {
	bus          *Bus
	name         string
	entityPrefix string
	uniqueID     string
	swVersion    string
	online       bool

	registers map[string]*Register
	order     []string
	actions   []*CompositeAction
}

// newController builds the registers and actions declared for cc, then
// pings the controller and reads its firmware version. Ping failure is
// logged and leaves the controller marked offline.
func newController(b *Bus, cc ControllerConfig) *Controller {
	c := &Controller{
		bus:          b,
		name:         cc.Name,
		entityPrefix: cc.EntityPrefix,
		uniqueID:     "fvc_" + cc.Name,
		registers:    make(map[string]*Register, len(cc.Registers)),
	}
	if c.entityPrefix == "" {
		c.entityPrefix = strings.ToLower(cc.Name)
	}

	for _, rc := range cc.Registers {
		if _, dup := c.registers[rc.Name]; dup {
			b.logWarn("duplicate register ignored", "controller", c.name, "register", rc.Name)
			continue
		}
		kind, label, ok := b.kinds.Lookup(rc.Name)
		if !ok {
			b.logWarn("unknown register ignored", "controller", c.name, "register", rc.Name)
			continue
		}
		r := newRegister(c, rc, kind, label)
		c.registers[r.name] = r
		c.order = append(c.order, r.name)
		if kind.Writable {
			b.commands[r.commandTopic] = r
		}
		if mode, ok := modeNameIndex(r.name); ok {
			a := newModeActivation(c, mode)
			c.actions = append(c.actions, a)
			b.commands[a.commandTopic] = a
		}
	}
	if len(c.registers) == 0 {
		b.logWarn("no registers declared", "controller", c.name)
	}

	if err := c.Ping(); err != nil {
		b.logError("controller ping failed", err, "controller", c.name)
		b.offline.Add(1)
		return c
	}
	c.online = true
	c.readVersion()
	b.logInfo("controller online", "controller", c.name, "version", c.swVersion)
	return c
}

func (c *Controller) readVersion() {
	v, err := c.Read(versionRegister)
	if err != nil {
		c.bus.logWarn("reading firmware version failed", "controller", c.name, "error", err)
	}
	c.swVersion = v
}

// sendDiscovery publishes discovery for this controller's registers and
// actions.
func (c *Controller) sendDiscovery() {
	for _, name := range c.order {
		c.bus.publishDiscovery(c.registers[name].discovery())
	}
	for _, a := range c.actions {
		c.bus.publishDiscovery(a.discovery())
	}
}

// Name returns the controller name.
func (c *Controller) Name() string { return c.name }

// SWVersion returns the firmware version, read when the controller first answered.
func (c *Controller) SWVersion() string { return c.swVersion }

// Register returns the named register.
func (c *Controller) Register(name string) (*Register, bool) {
	r, ok := c.registers[name]
	return r, ok
}

// Select makes this controller the bus target. It sends nothing when the
// bus already has it selected.
func (c *Controller) Select() error {
	b := c.bus
	if b.selected == c {
		return nil
	}

	r := b.transact(OriginGateway, "", CmdSelect+" "+c.name)
	if err := r.Err(); err != nil {
		b.setSelected(nil)
		return fmt.Errorf("select %s: %w: %w", c.name, ErrSelectionMismatch, err)
	}
	if r.Line != selectConfirmation(c.name) {
		b.setSelected(nil)
		b.protocolErrors.Add(1)
		return fmt.Errorf("select %s: %w: got %q", c.name, ErrSelectionMismatch, r.Line)
	}
	b.setSelected(c)
	return nil
}

// Read returns the value of a register. An empty value is valid.
func (c *Controller) Read(reg string) (string, error) {
	if err := c.Select(); err != nil {
		return "", err
	}

	b := c.bus
	r := b.transact(OriginGateway, "", CmdRead+" "+reg)
	if err := r.Err(); err != nil {
		b.setSelected(nil)
		return "", fmt.Errorf("read %s %s: %w", c.name, reg, err)
	}
	v, err := parseReadReply(r.Line)
	if err != nil {
		b.setSelected(nil)
		b.protocolErrors.Add(1)
		return "", fmt.Errorf("read %s %s: %w", c.name, reg, err)
	}
	return v, nil
}

// Write sets a register and returns the value the controller echoed back.
// A value containing control characters is refused without bus traffic.
func (c *Controller) Write(reg, value string) (string, error) {
	if strings.ContainsFunc(value, isControl) {
		return "", fmt.Errorf("write %s %s: %w: control character in value", c.name, reg, ErrInvalidValue)
	}
	if err := c.Select(); err != nil {
		return "", err
	}

	b := c.bus
	r := b.transact(OriginGateway, "", CmdSet+" "+reg+" "+value)
	if err := r.Err(); err != nil {
		b.setSelected(nil)
		return "", fmt.Errorf("write %s %s: %w", c.name, reg, err)
	}
	v, err := parseSetReply(reg, r.Line)
	if err != nil {
		b.setSelected(nil)
		b.protocolErrors.Add(1)
		return "", fmt.Errorf("write %s %s: %w", c.name, reg, err)
	}
	return v, nil
}

// Ping checks that the controller answering to this name reports the same
// identity.
func (c *Controller) Ping() error {
	v, err := c.Read(identRegister)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if v != c.name {
		return fmt.Errorf("ping %s: %w: got %q", c.name, ErrIdentityMismatch, v)
	}
	return nil
}

// interpret attributes a relayed READ or SET to one of this controller's
// registers.
func (c *Controller) interpret(verb, reg, received string) {
	var (
		v   string
		err error
	)
	if verb == CmdRead {
		v, err = parseReadReply(received)
	} else {
		v, err = parseSetReply(reg, received)
	}
	if err != nil {
		c.bus.setSelected(nil)
		c.bus.logDebug("relayed reply not understood",
			"controller", c.name, "register", reg, "reply", received)
		return
	}

	r, ok := c.registers[reg]
	if !ok {
		return
	}
	r.publish(v, false)
}

func (c *Controller) deviceInfo() discoveryDevice {
	return discoveryDevice{
		Identifiers:  []string{"fvcontroller_" + c.name},
		Manufacturer: c.bus.manufacturer,
		Model:        Model,
		Name:         c.name,
		SWVersion:    c.swVersion,
	}
}

func (c *Controller) entityID(reg string) string {
	return c.entityPrefix + "_" + mqtt.EntityName(reg)
}

func (c *Controller) entityUniqueID(reg string) string {
	return c.uniqueID + "_" + mqtt.EntityName(reg)
}

func selectConfirmation(name string) string {
	return "OK " + name + " selected\n"
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

// parseReadReply extracts the payload of "OK <payload>\n".
func parseReadReply(line string) (string, error) {
	if len(line) < 4 || !strings.HasPrefix(line, "OK ") || !strings.HasSuffix(line, "\n") {
		return "", fmt.Errorf("%w: %q", ErrProtocolMismatch, line)
	}
	return line[3 : len(line)-1], nil
}

// parseSetReply extracts the echoed value of "OK <reg> set to <value>\n".
func parseSetReply(reg, line string) (string, error) {
	prefix := "OK " + reg + " set to "
	if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, "\n") {
		return "", fmt.Errorf("%w: %q", ErrProtocolMismatch, line)
	}
	return line[len(prefix) : len(line)-1], nil
}

// markOnline brings back a controller that failed its startup ping once
// it answers a poll. It must pass the ping it missed; its firmware version
// is then read and discovery republished so the device carries it.
func (c *Controller) markOnline() {
	if c.online {
		return
	}
	if err := c.Ping(); err != nil {
		c.bus.logDebug("controller answering but ping failed", "controller", c.name, "error", err)
		return
	}
	c.online = true
	c.bus.offline.Add(-1)
	c.readVersion()
	c.sendDiscovery()
	c.bus.logInfo("controller online", "controller", c.name, "version", c.swVersion)
}
