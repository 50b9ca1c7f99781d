// Package config loads and validates the PowerTime relay core configuration.
//
// Values come from built-in defaults, then the YAML file, then POWERTIME_*
// environment variables. Durations are written as Go duration strings
// ("500ms", "30s").
//
// Secrets (MQTT password, InfluxDB token, JWT secret) are best supplied
// through the environment, and the file kept at mode 0600.
//
// Usage:
//
//	cfg, err := config.Load("configs/powertime.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Serial.ReadTimeout)
package config
