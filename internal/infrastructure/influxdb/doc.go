// Package influxdb exports register telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Each numeric
// register value the gateway publishes becomes one fv_register point
// (tags controller, register, kind; field value). Bus counters can be
// written periodically as fv_bus points.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	bus, err := fvbus.New(fvbus.Options{Sinks: []fvbus.StateSink{client}, ...})
//
// Writes never block the bus loop. Rejected batches are counted in Stats
// and reported to the logger set with SetLogger.
package influxdb
