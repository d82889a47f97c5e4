// Package logging provides structured logging for nodepool using log/slog.
//
// All log output carries a service name and version attribute so records
// from multiple deployments can be separated downstream. The format and
// destination come from the logging section of config.yaml: interactive
// CLI runs default to human-readable text on stderr, while the long-lived
// agent is typically configured for JSON.
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	meshLogger := logger.With("component", "mesh")
//	meshLogger.Info("transport connected", "port", portPath)
//
// Use Default() only during early startup before configuration is loaded.
package logging
