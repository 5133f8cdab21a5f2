package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fvgateway/internal/infrastructure/config"
)

// testConfig returns an MQTT configuration pointing at a local broker.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "fvgateway-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectOrSkip connects to the local broker or skips the test.
func connectOrSkip(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	client, err := Connect(cfg, Availability{Topic: "fvtest/" + clientID + "/status"})
	if err != nil {
		t.Skipf("no MQTT broker at 127.0.0.1:1883: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

// =============================================================================
// Unit tests (no broker)
// =============================================================================

func TestNewClient_NotConnected(t *testing.T) {
	c := newClient(testConfig(), Availability{Topic: "fvcontrol/status"})

	if c.IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
	if got := c.AvailabilityTopic(); got != "fvcontrol/status" {
		t.Errorf("AvailabilityTopic() = %q", got)
	}
	if c.avail.Online != PayloadOnline || c.avail.Offline != PayloadOffline {
		t.Errorf("availability defaults = %+v", c.avail)
	}
}

func TestConfigureLWT(t *testing.T) {
	c := newClient(testConfig(), Availability{Topic: "fvcontrol/status"})

	if !c.options.WillEnabled {
		t.Fatal("will not enabled")
	}
	if c.options.WillTopic != "fvcontrol/status" {
		t.Errorf("WillTopic = %q", c.options.WillTopic)
	}
	if string(c.options.WillPayload) != "offline" {
		t.Errorf("WillPayload = %q, want offline", c.options.WillPayload)
	}
	if !c.options.WillRetained {
		t.Error("will should be retained")
	}
}

func TestConfigureLWT_NoTopic(t *testing.T) {
	c := newClient(testConfig(), Availability{})
	if c.options.WillEnabled {
		t.Error("will enabled without availability topic")
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth.Username = "gw"
	cfg.Auth.Password = "secret"
	cfg.KeepAlive = 30

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.Username != "gw" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}
	if opts.KeepAlive != 30 {
		t.Errorf("KeepAlive = %d, want 30", opts.KeepAlive)
	}
	if opts.TLSConfig == nil {
		t.Error("TLS config not set")
	}
}

func TestPublishValidation(t *testing.T) {
	c := newClient(testConfig(), Availability{})

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		want    error
	}{
		{name: "empty topic", topic: "", want: ErrInvalidTopic},
		{name: "wildcard topic", topic: "fvcontrol/+/t0/state", want: ErrInvalidTopic},
		{name: "invalid qos", topic: "fvcontrol/F1/t0/state", qos: 3, want: ErrInvalidQoS},
		{name: "too large", topic: "fvcontrol/F1/t0/state", payload: make([]byte, maxPayloadSize+1), want: ErrPublishFailed},
		{name: "not connected", topic: "fvcontrol/F1/t0/state", payload: []byte("19.50"), want: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := newClient(testConfig(), Availability{})
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v", err)
	}
	if err := c.Subscribe("a/b", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v", err)
	}
	if err := c.Subscribe("a/b", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v", err)
	}
	if err := c.Subscribe("a/b", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe(disconnected) error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
}

func TestSubscribeOnConnect_Disconnected(t *testing.T) {
	c := newClient(testConfig(), Availability{})
	noop := func(string, []byte) error { return nil }

	if err := c.SubscribeOnConnect("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("SubscribeOnConnect(empty) error = %v", err)
	}
	if err := c.SubscribeOnConnect("a/b", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("SubscribeOnConnect(qos 3) error = %v", err)
	}
	if err := c.SubscribeOnConnect("fvcontrol/+/+/command", 1, noop); err != nil {
		t.Fatalf("SubscribeOnConnect(disconnected) error = %v", err)
	}
	if !c.HasSubscription("fvcontrol/+/+/command") {
		t.Error("subscription not tracked for the next connect")
	}
}

func TestStart_BrokerDown(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 1
	cfg.Reconnect.InitialDelay = 1

	c := Start(cfg, Availability{Topic: "fvcontrol/status"})
	if c.IsConnected() {
		t.Error("IsConnected() = true with no broker")
	}
	if err := c.Publish("fvcontrol/F1/t0/state", []byte("1"), 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestHealthCheck_Disconnected(t *testing.T) {
	c := newClient(testConfig(), Availability{})

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v", err)
	}
}

func TestWrapHandler_RecoversPanic(t *testing.T) {
	c := newClient(testConfig(), Availability{})
	logger := &recordingLogger{}
	c.SetLogger(logger)

	wrapped := c.wrapHandler(func(string, []byte) error {
		panic("boom")
	})
	wrapped(nil, fakeMessage{topic: "fvcontrol/F1/t0/command"})

	if len(logger.errors) != 1 {
		t.Errorf("logged errors = %v, want one panic report", logger.errors)
	}
}

func TestWrapHandler_LogsError(t *testing.T) {
	c := newClient(testConfig(), Availability{})
	logger := &recordingLogger{}
	c.SetLogger(logger)

	var gotTopic, gotPayload string
	wrapped := c.wrapHandler(func(topic string, payload []byte) error {
		gotTopic, gotPayload = topic, string(payload)
		return errors.New("rejected")
	})
	wrapped(nil, fakeMessage{topic: "fvcontrol/F1/set_lo/command", payload: []byte("4.0")})

	if gotTopic != "fvcontrol/F1/set_lo/command" || gotPayload != "4.0" {
		t.Errorf("handler got %q %q", gotTopic, gotPayload)
	}
	if len(logger.warns) != 1 {
		t.Errorf("logged warnings = %v, want one", logger.warns)
	}
}

func TestDisconnectCallback(t *testing.T) {
	c := newClient(testConfig(), Availability{})
	var got error
	c.SetOnDisconnect(func(err error) { got = err })

	want := errors.New("link down")
	c.handleDisconnect(want)

	if got != want {
		t.Errorf("callback error = %v, want %v", got, want)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
}

func TestCloseUnconnected(t *testing.T) {
	c := newClient(testConfig(), Availability{Topic: "fvcontrol/status"})
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// =============================================================================
// Broker tests (skipped without a local broker)
// =============================================================================

func TestPublishSubscribeRoundtrip(t *testing.T) {
	pub := connectOrSkip(t, "fvgateway-test-pub")
	sub := connectOrSkip(t, "fvgateway-test-sub")

	topics := NewTopics("fvtest-ha", "fvtest")
	received := make(chan string, 1)
	err := sub.Subscribe(topics.AllCommands(), 1, func(topic string, payload []byte) error {
		received <- topic + "=" + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(topics.AllCommands()) {
		t.Error("HasSubscription() = false after Subscribe")
	}

	if err := pub.Publish(topics.Command("F1", "set/lo"), []byte("4.0"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != "fvtest/F1/set_lo/command=4.0" {
			t.Errorf("received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

}
