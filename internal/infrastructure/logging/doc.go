// Package logging provides structured logging for OPC Proxy.
//
// This package wraps Go's standard log/slog package. Every entry carries
// the service name and version; components add their own attributes with
// Component:
//
//	logger := logging.New(cfg.Logging, version)
//	sessionLog := logger.Component("server")
//	sessionLog.Info("session established", "session_id", id, "peer", addr)
//
// Logging is configured in the logging section of the configuration file:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log backend passwords, MQTT credentials or InfluxDB tokens.
package logging
