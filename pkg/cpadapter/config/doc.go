// Package config loads adapter configuration.
//
// Config is a thin typed view over a map decoded from YAML or JSON.
// Settings is the resolved, validated configuration that the rest of the
// adapter consumes.
//
// # Example
//
//	messaging:
//	  retry_limit: 3
//	  durable:
//	    interval: 1s
//	    max_delivery: 10
//	sync:
//	  pull_timeout: 20s
//	catalog:
//	  expire_after: 180
//	persistence:
//	  driver: sqlite
//	  dsn: ./adapter.db
//
//	settings, err := config.LoadFile("adapter.yaml")
//
// Durations accept Go duration strings or a number of seconds.
package config
