// Package config loads hoist.yaml.
//
// Settings are layered: built-in defaults, then the configuration file, then
// HOIST_* environment variables, then command-line flags bound to the viper
// instance passed to Load. Keys are snake_case and nested keys map to
// environment variables by joining with underscores, so engine.lease_ttl is
// HOIST_ENGINE_LEASE_TTL.
//
// Durations are written as Go duration strings ("30s", "24h").
package config
