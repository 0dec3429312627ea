// Package config handles configuration loading for convstore.
//
// # Sources
//
// Load starts from Default, reads an optional file and then applies
// environment overrides:
//
//  1. Default(): local SQLite file, info-level colored logs
//  2. The config file: TOML when the path ends in .toml, YAML otherwise.
//     ${VAR} references are expanded before parsing.
//  3. CONVSTORE_<SECTION>_<KEY> environment variables, e.g.
//     CONVSTORE_DATABASE_DSN or CONVSTORE_STATS_CHECK_INTERVAL
//
// # Example
//
//	database:
//	  driver: postgres
//	  dsn: "${DATABASE_URL}"
//	  max_retries: 5
//	  busy_timeout: "5s"
//	conversations:
//	  default_model: deepseek-chat
//	  max_title_length: 500
//	stats:
//	  check_interval: "10m"
//	  repair: false
//	  report_suppression: "1h"
//	logging:
//	  level: info
//	  format: color
//	  file: /var/log/convstore.json
//
// Durations use Go syntax ("30s", "10m").
//
// # Logging
//
// SetupLogger builds the process logger from the logging section. The
// console gets text, JSON or colorized output; when logging.file is set
// every record is also appended to that file as JSON.
package config
