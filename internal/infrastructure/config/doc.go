// Package config handles loading and validating OPC Proxy configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// The item list and backend section form the reloadable part of the
// configuration: EnabledItems, BackendSettings and PersistencePath are what
// the dispatcher consumes on startup and on every reload.
//
// Security Considerations:
//   - Sensitive values (OPC UA and MQTT passwords, InfluxDB tokens) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/opcproxy.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.ListenAddr())
package config
