// fvgateway bridges an RS485 bus of fvcontroller boards to MQTT and
// Home Assistant.
//
// It owns the serial line: it polls the configured controller registers,
// publishes their values, applies commands arriving over MQTT and lends
// the bus to relay clients on request.
//
// Usage:
//
//	fvgateway [-config path] [-debug] [-serial /dev/ttyUSB1] [-notify]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/goburrow/serial"

	"github.com/nerrad567/fvgateway/internal/api"
	"github.com/nerrad567/fvgateway/internal/bridges/fvbus"
	"github.com/nerrad567/fvgateway/internal/buslog"
	"github.com/nerrad567/fvgateway/internal/gateway"
	"github.com/nerrad567/fvgateway/internal/infrastructure/config"
	"github.com/nerrad567/fvgateway/internal/infrastructure/database"
	"github.com/nerrad567/fvgateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/fvgateway/internal/infrastructure/logging"
	"github.com/nerrad567/fvgateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/fvgateway/internal/metrics"
	"github.com/nerrad567/fvgateway/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// defaultConfigPath is used when neither -config nor FVGATEWAY_CONFIG is set.
	defaultConfigPath = "configs/config.yaml"

	// busStatsInterval is how often bus counters go to InfluxDB.
	busStatsInterval = time.Minute

	captureDirPermissions = 0750
)

// options holds the command line.
type options struct {
	configPath string
	debug      bool
	serial     string
	notify     bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("fvgateway", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "configuration file (default $FVGATEWAY_CONFIG or "+defaultConfigPath+")")
	fs.BoolVar(&opts.debug, "debug", false, "log at debug level")
	fs.StringVar(&opts.serial, "serial", "", "serial device, overrides serial.device")
	fs.BoolVar(&opts.notify, "notify", false, "send readiness and stopping notifications to systemd")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// run is the application logic, separated from main for testability.
//
// Startup order matters for shutdown: deferred closers run in reverse, so
// the relay and API stop first and the serial port closes last.
func run(ctx context.Context, opts options) error {
	log := logging.Default()
	log.Info("starting fvgateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath(opts.configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlags(cfg, opts)
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Serial channel. The only failure that stops the gateway.
	channel, err := fvbus.OpenChannel(channelConfig(cfg, log))
	if err != nil {
		return fmt.Errorf("opening serial channel: %w", err)
	}
	defer func() {
		log.Info("closing serial channel")
		if closeErr := channel.Close(); closeErr != nil {
			log.Error("error closing serial channel", "error", closeErr)
		}
	}()
	log.Info("serial channel open", "device", cfg.Serial.Device, "baud_rate", cfg.Serial.BaudRate)

	var (
		taps  []fvbus.TrafficTap
		sinks []fvbus.StateSink
	)

	var recorder *fvbus.Recorder
	if db := openDatabase(ctx, cfg, log); db != nil {
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		rec := fvbus.NewRecorder(db.DB)
		rec.SetLogger(log)
		if startErr := rec.Start(); startErr != nil {
			log.Error("starting recorder failed", "error", startErr)
		} else {
			defer rec.Stop()
			recorder = rec
			taps = append(taps, rec)
		}
	}

	capture := openCapture(cfg, log)
	if capture != nil {
		defer func() {
			log.Info("closing capture", "events", capture.Written())
			if closeErr := capture.Close(); closeErr != nil {
				log.Error("error closing capture", "error", closeErr)
			}
		}()
		taps = append(taps, capture)
		sinks = append(sinks, capture)
	}

	influxClient := connectInflux(ctx, cfg, log)
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		sinks = append(sinks, influxClient)
	}

	collector := metrics.New()
	taps = append(taps, collector)
	sinks = append(sinks, collector)

	// MQTT connects in the background; a broker outage only delays publishing.
	topics := mqtt.NewTopics(cfg.Discovery.Prefix, cfg.Discovery.Path)
	mqttClient := mqtt.Start(cfg.MQTT, mqtt.Availability{Topic: topics.Availability()})
	mqttClient.SetLogger(log)
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connecting",
		"broker", net.JoinHostPort(cfg.MQTT.Broker.Host, strconv.Itoa(cfg.MQTT.Broker.Port)),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	bus, err := fvbus.New(fvbus.Options{
		Link:             channel,
		Publisher:        mqttClient,
		Topics:           topics,
		Controllers:      busControllers(cfg),
		Manufacturer:     cfg.Gateway.Manufacturer,
		QoS:              byte(cfg.MQTT.QoS),
		PresenceInterval: cfg.Discovery.PresenceInterval,
		Logger:           log,
		Taps:             taps,
		Sinks:            sinks,
	})
	if err != nil {
		return fmt.Errorf("building bus: %w", err)
	}
	log.Info("bus ready", "controllers", len(cfg.Controllers), "command_topics", len(bus.CommandTopics()))

	gwOpts := gateway.Options{
		Engine:       bus,
		TickInterval: cfg.Gateway.TickInterval,
		Logger:       log,
	}
	if recorder != nil {
		gwOpts.Sessions = recorder
	}
	gw, err := gateway.New(gwOpts)
	if err != nil {
		return fmt.Errorf("creating gateway loop: %w", err)
	}

	collector.WatchBus(bus.Stats)
	collector.WatchGateway(gw.Stats)

	deliver := func(topic string, payload []byte) error {
		gw.Deliver(topic, payload)
		return nil
	}
	for _, topic := range []string{topics.DiscoveryStatus(), topics.AllCommands()} {
		if subErr := mqttClient.SubscribeOnConnect(topic, byte(cfg.MQTT.QoS), deliver); subErr != nil {
			log.Warn("MQTT subscribe failed; retrying on reconnect", "topic", topic, "error", subErr)
		}
	}
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected")
		gw.TransportConnected()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if cfg.API.Enabled {
		apiServer, apiErr := startAPI(ctx, cfg, log, gw, bus, mqttClient, recorder, capture, collector)
		if apiErr != nil {
			log.Error("API server not started", "error", apiErr)
		} else {
			defer apiServer.Close()
		}
	}

	if cfg.Relay.Enabled {
		addr := net.JoinHostPort(cfg.Relay.Host, strconv.Itoa(cfg.Relay.Port))
		relay, relayErr := gw.ListenRelay(addr, cfg.Relay.Timeout)
		if relayErr != nil {
			log.Error("relay service not started", "error", relayErr)
		} else {
			defer func() {
				log.Info("stopping relay service")
				if closeErr := relay.Close(); closeErr != nil {
					log.Error("error stopping relay", "error", closeErr)
				}
			}()
		}
	}

	if influxClient != nil {
		go exportBusStats(ctx, influxClient, cfg.Gateway.ID, bus)
	}

	if opts.notify {
		notify(log, daemon.SdNotifyReady)
	}
	log.Info("initialisation complete")

	if err := gw.Run(ctx); err != nil {
		return fmt.Errorf("gateway loop: %w", err)
	}

	log.Info("shutdown signal received, cleaning up")
	if opts.notify {
		notify(log, daemon.SdNotifyStopping)
	}

	log.Info("fvgateway stopping")
	return nil
}

// getConfigPath returns the -config value, else FVGATEWAY_CONFIG, else
// the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("FVGATEWAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// applyFlags lets the command line override the loaded configuration.
func applyFlags(cfg *config.Config, opts options) {
	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	if opts.serial != "" {
		cfg.Serial.Device = opts.serial
	}
}

func channelConfig(cfg *config.Config, log *logging.Logger) fvbus.ChannelConfig {
	rs := cfg.Serial.RS485
	return fvbus.ChannelConfig{
		Device:       cfg.Serial.Device,
		BaudRate:     cfg.Serial.BaudRate,
		ReadTimeout:  cfg.Serial.ReadTimeout,
		ResetTimeout: cfg.Serial.ResetTimeout,
		RS485: serial.RS485Config{
			Enabled:            rs.Enabled,
			DelayRtsBeforeSend: rs.DelayRTSBeforeSend,
			DelayRtsAfterSend:  rs.DelayRTSAfterSend,
			RtsHighDuringSend:  rs.RTSHighDuringSend,
			RtsHighAfterSend:   rs.RTSHighAfterSend,
			RxDuringTx:         rs.RxDuringTx,
		},
		Logger: log,
	}
}

// busControllers converts the controllers section, sorted by name.
func busControllers(cfg *config.Config) []fvbus.ControllerConfig {
	names := cfg.ControllerNames()
	out := make([]fvbus.ControllerConfig, 0, len(names))
	for _, name := range names {
		ctrl := cfg.Controllers[name]
		regs := make([]fvbus.RegisterConfig, 0, len(ctrl.Registers))
		for _, reg := range ctrl.Registers {
			ov := ctrl.Overrides[reg]
			regs = append(regs, fvbus.RegisterConfig{
				Name:         reg,
				PollInterval: time.Duration(ov.PollInterval) * time.Second,
				Description:  ov.Description,
			})
		}
		out = append(out, fvbus.ControllerConfig{
			Name:         name,
			EntityPrefix: ctrl.EntityPrefix,
			Registers:    regs,
		})
	}
	return out
}

// openDatabase opens and migrates the observation store. Failures are
// logged and the gateway runs without it.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) *database.DB {
	if !cfg.Database.Enabled {
		log.Info("observation recorder disabled")
		return nil
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.Error("opening database failed; recorder disabled", "error", err)
		return nil
	}
	if err := db.Migrate(ctx, migrations.FS, migrations.Dir); err != nil {
		log.Error("database migrations failed; recorder disabled", "error", err)
		db.Close()
		return nil
	}
	log.Info("database ready", "path", db.Path())
	return db
}

// openCapture opens the transaction capture file, if enabled.
func openCapture(cfg *config.Config, log *logging.Logger) *buslog.Writer {
	if !cfg.Capture.Enabled {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Capture.Path), captureDirPermissions); err != nil {
		log.Error("creating capture directory failed; capture disabled", "error", err)
		return nil
	}
	w, err := buslog.Open(cfg.Capture.Path)
	if err != nil {
		log.Error("opening capture failed; capture disabled", "error", err)
		return nil
	}
	log.Info("capturing bus traffic", "path", cfg.Capture.Path, "run", w.Run())
	return w
}

// connectInflux connects the telemetry export, if enabled.
func connectInflux(ctx context.Context, cfg *config.Config, log *logging.Logger) *influxdb.Client {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil
	}
	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
	if err != nil {
		log.Error("InfluxDB unavailable; telemetry export disabled", "error", err)
		return nil
	}
	client.SetLogger(log)
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client
}

func startAPI(
	ctx context.Context,
	cfg *config.Config,
	log *logging.Logger,
	gw *gateway.Gateway,
	bus *fvbus.Bus,
	mqttClient *mqtt.Client,
	recorder *fvbus.Recorder,
	capture *buslog.Writer,
	collector *metrics.Collector,
) (*api.Server, error) {
	deps := api.Deps{
		Config:  cfg.API,
		Logger:  log,
		Loop:    gw,
		Bus:     bus,
		MQTT:    mqttClient,
		Metrics: collector.Handler(),
		Version: version,
	}
	if recorder != nil {
		deps.Observations = recorder
	}
	if capture != nil {
		deps.Capture = capture
	}

	srv, err := api.New(deps)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	return srv, nil
}

// exportBusStats writes the bus counters to InfluxDB until ctx ends.
func exportBusStats(ctx context.Context, client *influxdb.Client, gatewayID string, bus *fvbus.Bus) {
	ticker := time.NewTicker(busStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			client.WriteBusStats(gatewayID, bus.Stats(), now)
		}
	}
}

func notify(log *logging.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("systemd notification failed", "state", state, "error", err)
	case !sent:
		log.Debug("systemd notification socket not set", "state", state)
	}
}
