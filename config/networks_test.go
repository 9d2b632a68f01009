package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuiltinNetworks(t *testing.T) {
	n, err := LoadNetworks("", zap.NewNop().Sugar())
	require.NoError(t, err)

	testnet, ok := n.Get("testnet")
	require.True(t, ok)
	assert.Equal(t, "https://soroban-testnet.stellar.org", testnet.RPCURL)
	assert.NotEmpty(t, testnet.FriendbotURL)

	mainnet, ok := n.Get("mainnet")
	require.True(t, ok)
	assert.Empty(t, mainnet.FriendbotURL, "mainnet has no friendbot")

	_, ok = n.Get("devnet")
	assert.False(t, ok)
}

func TestNetworksFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "networks.yaml")
	content := `
networks:
  - name: testnet
    rpc_url: https://rpc.internal:8000
    horizon_url: https://horizon.internal
    passphrase: "Test SDF Network ; September 2015"
    friendbot_url: https://friendbot.internal
  - name: standalone
    rpc_url: http://localhost:8000/soroban/rpc
    passphrase: "Standalone Network ; February 2017"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	n, err := LoadNetworks(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	// File entry overrides the built-in.
	testnet, ok := n.Get("testnet")
	require.True(t, ok)
	assert.Equal(t, "https://rpc.internal:8000", testnet.RPCURL)

	// New networks are added; built-ins not named stay put.
	_, ok = n.Get("standalone")
	assert.True(t, ok)
	_, ok = n.Get("mainnet")
	assert.True(t, ok)
}

func TestNetworksMissingFileUsesBuiltins(t *testing.T) {
	n, err := LoadNetworks(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop().Sugar())
	require.NoError(t, err)
	_, ok := n.Get("testnet")
	assert.True(t, ok)
}

func TestNetworksBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "networks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("networks: [not: valid"), 0o644))

	_, err := LoadNetworks(path, zap.NewNop().Sugar())
	assert.Error(t, err)
}
