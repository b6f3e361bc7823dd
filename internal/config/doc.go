/*
Package config provides hierarchical configuration management for the
metadata cache with YAML file, environment variable, and compiled-in-default
sources.

# Configuration Architecture

Multi-source configuration with precedence:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (METACACHE_*)                     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (Compiled-in defaults)               │
	└─────────────────────────────────────────────┘

# Configuration Structure

Global Settings:
- Logging configuration (level, file)
- Metrics port

Object Store Settings (spec.md §6 object_store.*):
- Bucket, region, endpoint, credentials
- Proxy URL and TLS verification
- Connection pool sizing, CargoShip optimization toggles

Cache Settings (spec.md §6 cache.*):
- Root directory for the on-disk cache tree
- Maximum body-cache size in bytes
- Body cache eviction policy and TTL

Sync Settings (spec.md §6 sync.*):
- Worker pool size for the async operation manager
- Per-operation timeout and retry budget
- Orphan policy for locally cached entries with no remote counterpart

Security Settings (spec.md §6 security.*):
- Encryption key for artifact codec keystream derivation
- TLS minimum version and certificate verification

# Usage Examples

Loading configuration:

	cfg := config.NewDefault()

	if err := cfg.LoadFromFile("/etc/metacache/config.yaml"); err != nil {
		log.Fatal(err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

Configuration file format:

	global:
	  log_level: INFO
	  metrics_port: 9090

	object_store:
	  bucket: "session-artifacts"
	  region: "us-west-2"
	  proxy_url: ""
	  tls_verify: true

	cache:
	  root_dir: "/var/cache/metacache"
	  max_body_bytes: 2147483648

	sync:
	  workers: 3
	  op_timeout_s: 30
	  retry_max: 5
	  orphan_policy: "prompt"

	security:
	  encryption_key: ""

Environment variable mapping:

	METACACHE_LOG_LEVEL="DEBUG"
	METACACHE_OBJECT_STORE_BUCKET="session-artifacts"
	METACACHE_OBJECT_STORE_REGION="us-west-2"
	METACACHE_CACHE_ROOT_DIR="/var/cache/metacache"
	METACACHE_SYNC_WORKERS="5"
	METACACHE_SYNC_ORPHAN_POLICY="delete"
	METACACHE_SECURITY_ENCRYPTION_KEY="..."

# Validation

Validate checks structural invariants before the configuration is handed to
the rest of the system: sync.workers and object_store.pool_size must be
positive, cache.root_dir must be set, global.log_level must be one of
DEBUG/INFO/WARN/ERROR, and sync.orphan_policy must be one of
keep/delete/prompt.

# Security Considerations

Credential Management:
- Environment variables preferred for secrets (access_key, secret_key,
  encryption_key)
- Config files written with 0600 permissions
- Directories created with 0750 permissions

This package provides the configuration foundation for the rest of the
module: object store connectivity, on-disk cache layout, sync worker sizing,
and artifact encryption.
*/
package config
