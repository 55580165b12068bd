// Package config handles configuration loading for krapi-server.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	admin:
//	  password: "${KRAPI_ADMIN_PASSWORD}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  session_ttl: "24h"
//	  remember_me_ttl: "720h"
//
//	realtime:
//	  heartbeat_interval: "30s"
//	  backoff_base: "1s"
//	  backoff_cap: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8090"   # API, auth, and realtime endpoints
//
// Database:
//
//	database:
//	  data_dir: "/var/lib/krapi"  # control.db plus projects/<id>.db live here
//
// Authentication:
//
//	auth:
//	  session_ttl: "24h"
//	  remember_me_ttl: "720h"
//	  bcrypt_cost: 12
//
// Administrator seed (first run only):
//
//	admin:
//	  username: "admin"
//	  password: "${KRAPI_ADMIN_PASSWORD}"
//	  email: "admin@localhost"
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
//	cfg, err := config.Load("/etc/krapi/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
