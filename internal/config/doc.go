// Package config handles configuration loading for coven-courier.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion. Every field has a default,
// so a missing file is not an error for the CLI: it falls back to Default.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COURIER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/courier.yaml
//  3. ~/.config/coven/courier.yaml
//
// Relative database paths are resolved against the config file's directory.
//
// # Environment Variable Expansion
//
//	database:
//	  path: "${COURIER_DATA}/courier.db"
//
// Unset variables expand to the empty string.
//
// # Durations and Sizes
//
// Durations use time.ParseDuration syntax ("5s", "24h"). Sizes accept
// humanized values ("100KiB", "64MB", "1GB").
//
//	database:
//	  path: courier.db
//	  busy_timeout: 5s
//	  cache_size: 64MiB
//	  backup_dir: backups
//	content:
//	  dir: content
//	  orphan_grace: 24h
//	schema:
//	  auto_migrate: true
//	  large_database: 1GB
//	messages:
//	  max_size: 100KiB
//	  idempotency_ttl: 10m
//	  idempotency_entries: 10000
//	participants:
//	  policy: capabilities
//	  grants:
//	    messaging: [send, respond, read]
//	    coordinator: [resolve, cancel, archive, compact]
//	maintenance:
//	  enabled: true
//	  schedule: "0 3 * * *"
//	audit:
//	  persist: true
//	logging:
//	  level: info
//	  format: text
//	metrics:
//	  enabled: true
//	  addr: 127.0.0.1:9464
//	  path: /metrics
package config
