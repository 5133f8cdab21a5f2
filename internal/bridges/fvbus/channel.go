package fvbus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and sizes for the serial channel.
const (
	// DefaultReadTimeout bounds the wait for one reply line.
	DefaultReadTimeout = time.Second

	// DefaultResetTimeout is the quiet period that ends a FullReset drain.
	DefaultResetTimeout = 100 * time.Millisecond

	// maxResetDrain caps a FullReset on a bus that never goes quiet.
	maxResetDrain = 5 * time.Second

	// portPollTimeout is the low-level read timeout handed to the serial
	// driver so the receive goroutine notices Close promptly.
	portPollTimeout = 100 * time.Millisecond

	// readBufferSize is the size of the receive buffer.
	readBufferSize = 256

	// rxQueueSize is the number of received chunks buffered between the
	// receive goroutine and the transaction in progress.
	rxQueueSize = 64

	// readRetryDelay is the pause after an unexpected read error.
	readRetryDelay = 250 * time.Millisecond
)

// Fill bytes emitted by some RS485 transceivers while the line turns around.
const (
	fillNUL byte = 0x00
	fillFF  byte = 0xFF
)

// ReplyStatus classifies the outcome of one transaction.
type ReplyStatus uint8

const (
	// ReplyOK means a complete line was received.
	ReplyOK ReplyStatus = iota
	// ReplyTimeout means nothing was received before the timeout.
	ReplyTimeout
	// ReplyCorrupt means bytes were received but not a well-formed line.
	ReplyCorrupt
)

// String returns the wire sentinel name for the status.
func (s ReplyStatus) String() string {
	switch s {
	case ReplyOK:
		return "OK"
	case ReplyTimeout:
		return "TIMEOUT"
	case ReplyCorrupt:
		return "CORRUPT"
	default:
		return fmt.Sprintf("ReplyStatus(%d)", uint8(s))
	}
}

// Reply is the classified result of a transaction.
type Reply struct {
	Status ReplyStatus
	// Line is the received line including its terminator. Empty unless
	// Status is ReplyOK.
	Line string
}

// Wire returns what a relay client receives for this reply.
func (r Reply) Wire() string {
	switch r.Status {
	case ReplyOK:
		return r.Line
	case ReplyCorrupt:
		return "CORRUPT\n"
	default:
		return "TIMEOUT\n"
	}
}

// Err maps the status onto the package sentinels. It returns nil for ReplyOK.
func (r Reply) Err() error {
	switch r.Status {
	case ReplyOK:
		return nil
	case ReplyCorrupt:
		return ErrChannelCorrupt
	default:
		return ErrChannelTimeout
	}
}

// Link is the transaction surface the Bus needs from a serial channel.
type Link interface {
	Transact(cmd string) Reply
	FullReset()
}

// Ensure Channel implements Link.
var _ Link = (*Channel)(nil)

// ChannelConfig configures a serial channel.
type ChannelConfig struct {
	// Device is the serial device path, e.g. /dev/ttyUSB0.
	Device string
	// BaudRate defaults to 9600.
	BaudRate int
	// ReadTimeout bounds the wait for a reply line. Default: 1s.
	ReadTimeout time.Duration
	// ResetTimeout is the quiet period that ends a reset. Default: 100ms.
	ResetTimeout time.Duration
	// RS485 configures kernel-level RTS handling for half-duplex adapters.
	RS485 serial.RS485Config
	// Logger is optional.
	Logger Logger
}

// ChannelStats holds serial channel counters.
type ChannelStats struct {
	CommandsTx   uint64
	LinesRx      uint64
	Timeouts     uint64
	Corrupt      uint64
	Resets       uint64
	BytesDropped uint64 // stale bytes discarded before a transaction
	ReadErrors   uint64
	LastActivity time.Time
}

// Channel owns the physical half-duplex link.
//
// Thread Safety:
//   - Transact, ReadLine and FullReset must be called from a single goroutine.
//   - Stats and Close are safe for concurrent use.
//
// A dedicated goroutine reads the port and queues raw chunks; transactions
// assemble lines from that queue under their own deadline, so a silent
// controller costs exactly one read timeout.
type Channel struct {
	port         io.ReadWriteCloser
	readTimeout  time.Duration
	resetTimeout time.Duration
	logger       Logger

	rx      chan []byte
	pending []byte

	done *closeOnce
	wg   sync.WaitGroup

	commandsTx   atomic.Uint64
	linesRx      atomic.Uint64
	timeouts     atomic.Uint64
	corrupt      atomic.Uint64
	resets       atomic.Uint64
	bytesDropped atomic.Uint64
	readErrors   atomic.Uint64
	lastActivity atomic.Int64 // unix nanoseconds
}

// OpenChannel opens the serial device as 8N1 and starts the receive loop.
// Failure to open the device is the only fatal startup condition of the
// gateway.
func OpenChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: serial device not set", ErrInvalidConfig)
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}

	port, err := serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  portPollTimeout,
		RS485:    cfg.RS485,
	})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", cfg.Device, err)
	}

	return NewChannel(port, cfg), nil
}

// NewChannel wraps an already open port. Tests use it with an in-memory
// port; OpenChannel uses it with the real device.
func NewChannel(port io.ReadWriteCloser, cfg ChannelConfig) *Channel {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}

	c := &Channel{
		port:         port,
		readTimeout:  cfg.ReadTimeout,
		resetTimeout: cfg.ResetTimeout,
		logger:       cfg.Logger,
		rx:           make(chan []byte, rxQueueSize),
		done:         newCloseOnce(),
	}
	c.lastActivity.Store(time.Now().UnixNano())

	c.wg.Add(1)
	go c.receiveLoop()

	return c
}

// receiveLoop copies bytes from the port into the rx queue until Close.
func (c *Channel) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.rx <- chunk:
			case <-c.done.Done():
				return
			}
		}
		if err == nil {
			continue
		}

		if c.isClosed() {
			return
		}
		if errors.Is(err, serial.ErrTimeout) {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			c.logError("serial port closed underneath the channel", err)
			c.readErrors.Add(1)
			return
		}

		c.readErrors.Add(1)
		c.logError("serial read failed", err)
		select {
		case <-c.done.Done():
			return
		case <-time.After(readRetryDelay):
		}
	}
}

// Transact discards stale input, writes cmd followed by a newline and
// waits for one reply line.
func (c *Channel) Transact(cmd string) Reply {
	if c.isClosed() {
		return Reply{Status: ReplyTimeout}
	}

	c.discardPending()

	if _, err := c.port.Write([]byte(cmd + "\n")); err != nil {
		c.logError("serial write failed", err, "command", cmd)
		c.timeouts.Add(1)
		return Reply{Status: ReplyTimeout}
	}
	c.commandsTx.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())

	return c.ReadLine(c.readTimeout)
}

// ReadLine waits up to timeout for one newline-terminated line.
//
// Leading fill bytes are stripped. Nothing received gives ReplyTimeout;
// bytes without a terminator, or fill bytes inside the line, give
// ReplyCorrupt.
func (c *Channel) ReadLine(timeout time.Duration) Reply {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := c.pending[:i+1]
			c.pending = c.pending[i+1:]
			return c.classify(line)
		}

		select {
		case chunk := <-c.rx:
			c.pending = append(c.pending, chunk...)
		case <-timer.C:
			partial := c.pending
			c.pending = nil
			return c.classify(partial)
		case <-c.done.Done():
			c.pending = nil
			c.timeouts.Add(1)
			return Reply{Status: ReplyTimeout}
		}
	}
}

// classify applies the fill-byte and terminator rules to raw input.
func (c *Channel) classify(raw []byte) Reply {
	r := classifyLine(raw)
	switch r.Status {
	case ReplyOK:
		c.linesRx.Add(1)
		c.lastActivity.Store(time.Now().UnixNano())
	case ReplyCorrupt:
		c.corrupt.Add(1)
	default:
		c.timeouts.Add(1)
	}
	return r
}

func classifyLine(raw []byte) Reply {
	line := bytes.TrimLeft(raw, string([]byte{fillNUL, fillFF}))
	if len(line) == 0 {
		return Reply{Status: ReplyTimeout}
	}
	if line[len(line)-1] != '\n' {
		return Reply{Status: ReplyCorrupt}
	}
	if bytes.IndexByte(line, fillNUL) >= 0 || bytes.IndexByte(line, fillFF) >= 0 {
		return Reply{Status: ReplyCorrupt}
	}
	return Reply{Status: ReplyOK, Line: string(line)}
}

// discardPending drops any bytes left over from an earlier exchange.
func (c *Channel) discardPending() {
	dropped := len(c.pending)
	c.pending = nil
	for {
		select {
		case chunk := <-c.rx:
			dropped += len(chunk)
		default:
			if dropped > 0 {
				c.bytesDropped.Add(uint64(dropped))
				c.logDebug("discarded stale input", "bytes", dropped)
			}
			return
		}
	}
}

// FullReset terminates any partly sent command with a bare newline and
// drains input until the line has been quiet for the reset timeout.
// No controller sends more than one line, so this always converges on a
// working bus.
func (c *Channel) FullReset() {
	c.resets.Add(1)
	c.pending = nil

	if c.isClosed() {
		return
	}
	if _, err := c.port.Write([]byte("\n")); err != nil {
		c.logError("serial write failed during reset", err)
	}

	deadline := time.Now().Add(maxResetDrain)
	quiet := time.NewTimer(c.resetTimeout)
	defer quiet.Stop()

	for {
		select {
		case chunk := <-c.rx:
			c.bytesDropped.Add(uint64(len(chunk)))
			if time.Now().After(deadline) {
				c.logWarn("bus did not go quiet during reset", "limit", maxResetDrain)
				return
			}
			quiet.Reset(c.resetTimeout)
		case <-quiet.C:
			return
		case <-c.done.Done():
			return
		}
	}
}

// Close stops the receive loop and closes the port.
func (c *Channel) Close() error {
	if c.isClosed() {
		return nil
	}
	c.done.Close()
	err := c.port.Close()
	c.wg.Wait()
	return err
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		CommandsTx:   c.commandsTx.Load(),
		LinesRx:      c.linesRx.Load(),
		Timeouts:     c.timeouts.Load(),
		Corrupt:      c.corrupt.Load(),
		Resets:       c.resets.Load(),
		BytesDropped: c.bytesDropped.Load(),
		ReadErrors:   c.readErrors.Load(),
		LastActivity: time.Unix(0, c.lastActivity.Load()),
	}
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

func (c *Channel) logDebug(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}

func (c *Channel) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}

func (c *Channel) logError(msg string, err error, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
