// Package config handles application configuration loading and management.
//
// Configuration lives in ~/.microvm-orchestrator/config.json alongside the
// repo allowlist, the slot affinity map and the per-slot storage directories.
package config
