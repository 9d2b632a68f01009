package config

import (
	"github.com/spf13/viper"
)

// SetDefaults applies default configuration values to a Viper instance.
func SetDefaults(v *viper.Viper) {
	// Broker defaults (queue + bus endpoint)
	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 6379)
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.db", 0)

	// Store defaults
	v.SetDefault("store.uri", "kiln.db")

	// Server defaults
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost:3000",
		"http://localhost:5173",
	})
	v.SetDefault("server.rate_per_minute", 120)
	v.SetDefault("server.rate_burst", 30)

	// Worker defaults
	v.SetDefault("worker.type", "compile")
	v.SetDefault("worker.compile_concurrency", 2)
	v.SetDefault("worker.deploy_concurrency", 2)
	v.SetDefault("worker.heartbeat_seconds", 5)

	// Build defaults
	v.SetDefault("build.toolchain", "cargo")
	v.SetDefault("build.min_toolchain", ">= 1.74.0")
	v.SetDefault("build.target", "wasm32-unknown-unknown")
	v.SetDefault("build.extra_args", "")
	v.SetDefault("build.timeout_seconds", 600)
	v.SetDefault("build.container_image", "kiln/contract-builder:latest")
	v.SetDefault("build.container_mem_mb", 2048)

	// Deploy defaults
	v.SetDefault("deploy.tool", "stellar")
	v.SetDefault("deploy.fallback_tool", "soroban")
	v.SetDefault("deploy.identity", "kiln-deployer")
	v.SetDefault("deploy.payment_network", "testnet")
	v.SetDefault("deploy.horizon_url", "https://horizon-testnet.stellar.org")
	v.SetDefault("deploy.timeout_seconds", 300)
}

// envAliases maps documented bare environment names onto config keys.
// Operators can set either BROKER_HOST or KILN_BROKER_HOST; the prefixed
// form wins when both are present.
var envAliases = map[string][]string{
	"broker.host":                {"KILN_BROKER_HOST", "BROKER_HOST"},
	"broker.port":                {"KILN_BROKER_PORT", "BROKER_PORT"},
	"broker.password":            {"KILN_BROKER_PASSWORD", "BROKER_PASSWORD"},
	"broker.db":                  {"KILN_BROKER_DB", "BROKER_DB"},
	"store.uri":                  {"KILN_STORE_URI", "STORE_URI"},
	"worker.type":                {"KILN_WORKER_TYPE", "WORKER_TYPE"},
	"worker.compile_concurrency": {"KILN_COMPILE_WORKER_CONCURRENCY", "COMPILE_WORKER_CONCURRENCY"},
	"worker.deploy_concurrency":  {"KILN_DEPLOY_WORKER_CONCURRENCY", "DEPLOY_WORKER_CONCURRENCY"},
	"deploy.payment_network":     {"KILN_PAYMENT_NETWORK", "PAYMENT_NETWORK"},
	"deploy.horizon_url":         {"KILN_HORIZON_URL", "HORIZON_URL"},
}

// BindEnvAliases registers the documented environment variable names.
func BindEnvAliases(v *viper.Viper) {
	for key, envs := range envAliases {
		args := append([]string{key}, envs...)
		// BindEnv only errors on empty input
		_ = v.BindEnv(args...)
	}
}
