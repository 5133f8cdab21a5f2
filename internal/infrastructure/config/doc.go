// Package config loads config.yaml, applies FVGATEWAY_* environment
// overrides and validates the result.
//
// Secrets (the broker password, the InfluxDB token) belong in the
// environment rather than the file. The relay has no authentication and
// binds to localhost unless told otherwise.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	for _, name := range cfg.ControllerNames() {
//	    fmt.Println(name, cfg.Controllers[name].Registers)
//	}
package config
