package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fvgateway/internal/infrastructure/config"
)

// Client is the gateway's broker connection. It owns the retained
// availability topic, restores subscriptions after every reconnect and
// isolates handler panics from paho's delivery goroutine.
//
// All methods are safe for concurrent use.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	qos     byte
	avail   Availability

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected atomic.Bool

	hooksMu      sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Logger receives handler failures and connection loss. *slog.Logger
// satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one inbound message. A returned error is logged;
// the message is acknowledged either way.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and waits up to defaultConnectTimeout for the
// session. Used by tools and tests; the daemon uses Start.
func Connect(cfg config.MQTTConfig, avail Availability) (*Client, error) {
	c := newClient(cfg, avail)
	if err := await(c.client.Connect(), defaultConnectTimeout, ErrConnectionFailed); err != nil {
		return nil, err
	}
	// paho runs OnConnect on its own goroutine.
	c.connected.Store(true)
	return c, nil
}

// Start begins connecting in the background and returns immediately.
// Paho retries until the broker answers or Close is called, so a broker
// that is down at startup delays publishing without stopping the gateway.
// Subscriptions made before the first connect go through SubscribeOnConnect.
func Start(cfg config.MQTTConfig, avail Availability) *Client {
	c := newClient(cfg, avail)
	c.client.Connect()
	return c
}

func newClient(cfg config.MQTTConfig, avail Availability) *Client {
	avail = avail.withDefaults()
	c := &Client{
		options:       buildClientOptions(cfg),
		qos:           byte(cfg.QoS),
		avail:         avail,
		subscriptions: make(map[string]subscription),
	}
	configureLWT(c.options, avail)
	c.options.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	c.options.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	c.client = pahomqtt.NewClient(c.options)
	return c
}

func (c *Client) handleConnect() {
	c.connected.Store(true)

	c.subMu.RLock()
	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
	c.subMu.RUnlock()

	c.publishAvailability(c.avail.Online)

	c.hooksMu.RLock()
	hook := c.onConnect
	c.hooksMu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	c.hooksMu.RLock()
	hook, logger := c.onDisconnect, c.logger
	c.hooksMu.RUnlock()
	if logger != nil {
		logger.Warn("mqtt connection lost", "error", err)
	}
	if hook != nil {
		hook(err)
	}
}

// publishAvailability sends a retained liveness payload without waiting.
func (c *Client) publishAvailability(payload string) pahomqtt.Token {
	if c.avail.Topic == "" {
		return nil
	}
	return c.client.Publish(c.avail.Topic, c.qos, true, payload)
}

// AvailabilityTopic returns the topic carrying online/offline state.
func (c *Client) AvailabilityTopic() string {
	return c.avail.Topic
}

// Close publishes the offline payload, so subscribers do not wait for the
// broker's keepalive to fire the will, and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		if token := c.publishAvailability(c.avail.Offline); token != nil {
			token.WaitTimeout(defaultPublishTimeout)
		}
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the broker session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the broker session is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client.IsConnected()
}

// SetOnConnect registers fn to run after every connect, once subscriptions
// are restored and the online payload is queued.
func (c *Client) SetOnConnect(fn func()) {
	c.hooksMu.Lock()
	c.onConnect = fn
	c.hooksMu.Unlock()
}

// SetOnDisconnect registers fn to run when the session drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.hooksMu.Lock()
	c.onDisconnect = fn
	c.hooksMu.Unlock()
}

// SetLogger sets where handler failures go. Without one they are dropped.
func (c *Client) SetLogger(logger Logger) {
	c.hooksMu.Lock()
	c.logger = logger
	c.hooksMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	return c.logger
}

// wrapHandler adapts handler to paho, recovering panics and logging errors.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("mqtt handler panicked", "topic", msg.Topic(), "panic", r)
				}
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("mqtt handler failed", "topic", msg.Topic(), "error", err)
			}
		}
	}
}
