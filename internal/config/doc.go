// Package config handles configuration loading for backhauld.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BACKHAUL_CONFIG environment variable
//  2. ./backhaul.yaml (current directory)
//  3. ~/.config/backhaul/backhaul.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${BACKHAUL_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	tunnels:
//	  heartbeat_interval: "30s"
//	  send_timeout: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # WebSocket endpoints and admin API
//
// Fleet snapshot store:
//
//	fleet:
//	  driver: "file"              # file, sqlite
//	  path: "/var/lib/backhaul/fleet.json"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${BACKHAUL_JWT_SECRET}"  # Empty disables agent/admin auth
//	  fleet_token: "${BACKHAUL_FLEET_TOKEN}"
//	  machine_tokens:
//	    pc-1: "${PC1_TOKEN}"
//	  auto_register: false
//
// Tunnel timing:
//
//	tunnels:
//	  heartbeat_interval: "30s"
//	  heartbeat_misses: 3
//	  send_timeout: "5s"
//
// Call correlation:
//
//	calls:
//	  default_timeout: "30s"
//	  max_timeout: "5m"
//	  sweep_interval: "1s"
//	  retention: "2m"
//	  queue_limit: 256
//	  max_poll_results: 100
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "backhaul"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/backhaul/backhaul.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
