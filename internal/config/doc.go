// Package config provides application configuration loading and path
// resolution for the license subsystem.
//
// Configuration is layered: struct tag defaults, then an optional YAML file,
// then CLINICKEY_* environment variables. Durable store paths (the license
// slot and the registry database) resolve into the user data directory so the
// registry's anti-reuse ledger survives reinstalls.
package config
