// Package buslog captures bus traffic to a file in CBOR format.
//
// A capture file is a plain sequence of CBOR-encoded Events. Every
// transaction the gateway performs or relays is one event; every register
// value it publishes is another. Files are append-only, so several gateway
// runs can share one file. Each run stamps its events with a run id.
//
// Writing:
//
//	w, err := buslog.Open("/var/lib/fvgateway/bus.fvcap")
//	bus, err := fvbus.New(fvbus.Options{Taps: []fvbus.TrafficTap{w}, Sinks: []fvbus.StateSink{w}, ...})
//
// Reading:
//
//	r, err := buslog.NewFilteredReader(path, buslog.Filter{Controller: "F1"})
//	for {
//	    ev, err := r.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    fmt.Println(ev)
//	}
package buslog
