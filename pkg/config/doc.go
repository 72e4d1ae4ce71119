// Package config provides application configuration management.
//
// # Overview
//
// LoadConfig starts from Default(), overlays the YAML file named by
// WARDEN_CONFIG_FILE when set, then applies WARDEN_* environment variables,
// and validates the result. Environment variables win over the file.
//
// # Configuration Structure
//
// Server settings:
//
//	WARDEN_HOST="0.0.0.0"
//	WARDEN_PORT="8080"
//	WARDEN_HEALTH_PORT="9090"
//	WARDEN_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	WARDEN_STORAGE_BACKEND="postgres"  # postgres, memory
//	WARDEN_POSTGRES_URL="postgres://localhost/warden?sslmode=disable"
//	WARDEN_AUTO_MIGRATE="true"
//	WARDEN_STORE_TIMEOUT="3s"
//	WARDEN_REDIS_URL="redis://localhost:6379"
//
// Auth settings:
//
//	WARDEN_SIGNING_SECRET="<at least 32 bytes>"
//	WARDEN_ACCESS_TOKEN_TTL="15m"
//	WARDEN_REFRESH_TOKEN_TTL="168h"
//
// Cache settings:
//
//	WARDEN_CACHE_ENABLED="true"
//	WARDEN_CACHE_MAX_AGE="10m"
//	WARDEN_CACHE_CHANNEL="warden:cache-invalidation"
//
// Observability settings:
//
//	WARDEN_LOG_LEVEL="info"
//	WARDEN_OTEL_ENABLED="false"
//
// The same keys in YAML:
//
//	server:
//	  port: "8080"
//	auth:
//	  access_token_ttl: 15m
//	cache:
//	  max_age: 10m
package config
