package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithViper(newTestViper())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Broker.Host)
	assert.Equal(t, 6379, cfg.Broker.Port)
	assert.Equal(t, "localhost:6379", cfg.Broker.Addr())
	assert.Equal(t, "kiln.db", cfg.Store.URI)
	assert.Equal(t, DefaultServerPort, cfg.Server.ListenPort())
	assert.Equal(t, "compile", cfg.Worker.Type)
	assert.Equal(t, 2, cfg.Worker.Concurrency())
	assert.Equal(t, "cargo", cfg.Build.Toolchain)
	assert.Equal(t, "stellar", cfg.Deploy.Tool)
	assert.Equal(t, "testnet", cfg.Deploy.PaymentNetwork)
}

func TestWorkerConcurrencyFollowsType(t *testing.T) {
	w := WorkerConfig{Type: "deploy", CompileConcurrency: 4, DeployConcurrency: 1}
	assert.Equal(t, 1, w.Concurrency())

	w.Type = "compile"
	assert.Equal(t, 4, w.Concurrency())
}

func TestServerPortOverride(t *testing.T) {
	port := 9000
	s := ServerConfig{Port: &port}
	assert.Equal(t, 9000, s.ListenPort())
}

func TestBareEnvAliases(t *testing.T) {
	t.Setenv("BROKER_HOST", "redis.internal")
	t.Setenv("BROKER_DB", "3")
	t.Setenv("STORE_URI", "/var/lib/kiln/jobs.db")
	t.Setenv("WORKER_TYPE", "deploy")

	v := viper.New()
	v.AutomaticEnv()
	BindEnvAliases(v)
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal", cfg.Broker.Host)
	assert.Equal(t, 3, cfg.Broker.DB)
	assert.Equal(t, "/var/lib/kiln/jobs.db", cfg.Store.URI)
	assert.Equal(t, "deploy", cfg.Worker.Type)
}

func TestPrefixedEnvWinsOverBare(t *testing.T) {
	t.Setenv("BROKER_HOST", "bare.example")
	t.Setenv("KILN_BROKER_HOST", "prefixed.example")

	v := viper.New()
	v.AutomaticEnv()
	BindEnvAliases(v)
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Equal(t, "prefixed.example", cfg.Broker.Host)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiln.toml")
	content := `
[broker]
host = "queue.test"
port = 6380

[worker]
type = "deploy"
deploy_concurrency = 7
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "queue.test", cfg.Broker.Host)
	assert.Equal(t, 6380, cfg.Broker.Port)
	assert.Equal(t, 7, cfg.Worker.Concurrency())
	// Untouched sections keep defaults.
	assert.Equal(t, "cargo", cfg.Build.Toolchain)
}
