// Package config carries kiln's runtime configuration: broker endpoint,
// store location, ingress surface, worker shape, and toolchain knobs.
// Values load from TOML config files and environment variables via viper.
package config

import (
	"net"
	"strconv"
)

// Config represents the core kiln configuration
type Config struct {
	Broker BrokerConfig `mapstructure:"broker"`
	Store  StoreConfig  `mapstructure:"store"`
	Server ServerConfig `mapstructure:"server"`
	Worker WorkerConfig `mapstructure:"worker"`
	Build  BuildConfig  `mapstructure:"build"`
	Deploy DeployConfig `mapstructure:"deploy"`
}

// BrokerConfig configures the Redis broker backing the job queue and the
// log/status bus.
type BrokerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"` // redis logical database index
}

// Addr returns host:port for the redis client.
func (b BrokerConfig) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// StoreConfig configures the job store (database of record).
type StoreConfig struct {
	URI string `mapstructure:"uri"` // sqlite path, e.g. kiln.db
}

// ServerConfig configures the ingress API and socket hub.
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Per-user ingress ceiling for the write endpoints.
	RatePerMinute int `mapstructure:"rate_per_minute"`
	RateBurst     int `mapstructure:"rate_burst"`
}

// DefaultServerPort is used when server.port is unset.
const DefaultServerPort = 8777

// ListenPort resolves the configured port.
func (s ServerConfig) ListenPort() int {
	if s.Port == nil {
		return DefaultServerPort
	}
	return *s.Port
}

// WorkerConfig configures a worker instance.
type WorkerConfig struct {
	// Type selects which queue this instance consumes: compile or deploy.
	Type string `mapstructure:"type"`

	CompileConcurrency int `mapstructure:"compile_concurrency"`
	DeployConcurrency  int `mapstructure:"deploy_concurrency"`

	// HeartbeatSeconds is the presence-report interval.
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
}

// Concurrency returns the dispatch cap for the selected worker type.
func (w WorkerConfig) Concurrency() int {
	if w.Type == "deploy" {
		return w.DeployConcurrency
	}
	return w.CompileConcurrency
}

// BuildConfig configures the compile runner.
type BuildConfig struct {
	Toolchain    string `mapstructure:"toolchain"`     // build binary, default cargo
	MinToolchain string `mapstructure:"min_toolchain"` // semver constraint on `cargo --version`
	Target       string `mapstructure:"target"`        // wasm target triple
	ExtraArgs    string `mapstructure:"extra_args"`    // appended to the build command, shell-quoted

	// ScratchDir hosts per-job ephemeral workspaces. Empty means the
	// system temp directory.
	ScratchDir     string `mapstructure:"scratch_dir"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`

	// Container backend.
	ContainerImage     string `mapstructure:"container_image"`
	ContainerMemMB     int64  `mapstructure:"container_mem_mb"`
	ContainerCPUShares int64  `mapstructure:"container_cpu_shares"` // 0 = daemon default
	SharedOutDir       string `mapstructure:"shared_out_dir"`       // fallback artifact location
	DisableNative      bool   `mapstructure:"disable_native"`
	DisableContainer   bool   `mapstructure:"disable_container"`
}

// DeployConfig configures the deploy runner.
type DeployConfig struct {
	Tool         string `mapstructure:"tool"`          // deploy CLI, default stellar
	FallbackTool string `mapstructure:"fallback_tool"` // tried when tool is absent

	// Identity is the singleton signing identity name used for deploys.
	Identity string `mapstructure:"identity"`

	PaymentNetwork string `mapstructure:"payment_network"` // testnet or mainnet
	HorizonURL     string `mapstructure:"horizon_url"`

	// NetworksFile optionally overrides the built-in network profiles.
	NetworksFile   string `mapstructure:"networks_file"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}
