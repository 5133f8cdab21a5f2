// Package gateway runs the single loop that owns the controller bus.
//
// Everything that touches the bus happens on the goroutine running
// Gateway.Run: scheduled polling, inbound MQTT commands, discovery after a
// broker (re)connect, relay client transactions and snapshot requests
// from the HTTP API. Other goroutines hand work to the loop over
// channels.
//
// # Scheduling
//
// Each loop iteration performs at most one unit of bus work: one relay
// line, one inbound message, or one register poll. A periodic tick starts
// a poll round; when the round finds nothing more to do the loop checks
// presence and then blocks until the next event.
//
// # Relay
//
// The relay service accepts line-oriented TCP clients. A connected client
// holds the bus exclusively until it disconnects or stays idle for the
// relay timeout, so a client's SELECT and READ are never split by gateway
// polling.
package gateway
