// Package fvbus drives a shared half-duplex serial bus of fvcontroller
// nodes and bridges their registers onto MQTT for Home Assistant.
//
// # Wire protocol
//
// Every command is one ASCII line. A controller answers only while it is
// selected, and answers with exactly one line:
//
//	SELECT F1          ->  OK F1 selected
//	READ t0            ->  OK 18.25
//	SET set/lo 19.5    ->  OK set/lo set to 19.5
//
// A controller that does not recognise the name in a SELECT stays silent,
// so the gateway sees a timeout.
//
// # Components
//
//   - Channel owns the serial port and classifies replies as a line,
//     TIMEOUT or CORRUPT.
//   - Bus tracks which controller is selected, polls registers, routes
//     inbound commands and relays third-party traffic.
//   - Controller wraps SELECT/READ/SET for one node and caches selection.
//   - Register is one typed value; its Kind decides cadence, rendering,
//     validation and acknowledgement.
//   - CompositeAction copies a stored mode into the live set points.
//   - Recorder keeps a SQLite record of everything seen on the bus.
//
// # Thread Safety
//
// Bus and everything reachable from it belong to one goroutine. Only
// Bus.Stats, Channel.Stats, Channel.Close and the Recorder may be used
// from elsewhere.
package fvbus
