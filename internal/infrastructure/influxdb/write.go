package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/fvgateway/internal/bridges/fvbus"
)

// Measurement names.
const (
	MeasurementRegister = "fv_register"
	MeasurementBus      = "fv_bus"
)

// Ensure Client can be attached to the bus.
var _ fvbus.StateSink = (*Client)(nil)

// RegisterState writes a published numeric register value as an
// fv_register point. String registers are skipped.
func (c *Client) RegisterState(s fvbus.RegisterState) {
	if p, ok := registerPoint(s); ok {
		c.writePoint(p)
	}
}

// WriteBusStats writes a snapshot of the bus counters as an fv_bus point.
func (c *Client) WriteBusStats(gatewayID string, stats fvbus.BusStats, at time.Time) {
	c.writePoint(busPoint(gatewayID, stats, at))
}

func registerPoint(s fvbus.RegisterState) (*write.Point, bool) {
	if s.Data == fvbus.DataString {
		return nil, false
	}
	v, err := strconv.ParseFloat(s.Value, 64)
	if err != nil {
		return nil, false
	}

	var field any = v
	if s.Data == fvbus.DataInteger {
		field = int64(v)
	}

	return write.NewPoint(
		MeasurementRegister,
		map[string]string{
			"controller": s.Controller,
			"register":   s.Register,
			"kind":       s.Kind,
		},
		map[string]any{"value": field},
		s.At,
	), true
}

func busPoint(gatewayID string, stats fvbus.BusStats, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementBus,
		map[string]string{"gateway": gatewayID},
		map[string]any{
			"transactions":        int64(stats.Transactions),
			"relay_transactions":  int64(stats.RelayTransactions),
			"timeouts":            int64(stats.Timeouts),
			"corrupt":             int64(stats.Corrupt),
			"selection_changes":   int64(stats.SelectionChanges),
			"poll_failures":       int64(stats.PollFailures),
			"controllers_offline": int64(stats.ControllersOffline),
		},
		at,
	)
}
