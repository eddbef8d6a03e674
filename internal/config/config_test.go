package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/chainpulse/internal/ibc"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_ResolvesDirectChainURL(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "chainpulse.toml", `
[chains.cosmoshub-4]
url = "wss://rpc.cosmos.network/websocket"
comet_version = "0.34"

[database]
path = "chainpulse.db"
`)

	cfg, chains, err := Load(configPath, filepath.Join(dir, "chains.json"))
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, "cosmoshub-4", chains[0].ChainID)
	assert.Equal(t, "wss://rpc.cosmos.network/websocket", chains[0].URL)
	assert.Equal(t, ibc.V034, chains[0].Version)
	assert.Equal(t, "chainpulse.db", cfg.Database.Path)
}

func TestLoad_ResolvesRefURLFromCredentialsFile(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "chainpulse.toml", `
[chains.osmosis-1]
url = "ref:osmosis"
comet_version = "0.38"
`)
	credsPath := writeFile(t, dir, "chains.json", `{
		"osmosis": {"url": "wss://rpc.osmosis.zone/websocket", "username": "op", "password": "secret"}
	}`)

	_, chains, err := Load(configPath, credsPath)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, "wss://rpc.osmosis.zone/websocket", chains[0].URL)
	assert.Equal(t, "op", chains[0].Username)
	assert.Equal(t, "secret", chains[0].Password)
}

func TestLoad_UnknownCometVersionIsFatal(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "chainpulse.toml", `
[chains.badchain-1]
url = "wss://rpc.example.com/websocket"
comet_version = "9.9"
`)

	_, _, err := Load(configPath, filepath.Join(dir, "chains.json"))
	assert.Error(t, err)
}

func TestLoad_MissingCredentialsFileIsFatalWhenRefUsed(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "chainpulse.toml", `
[chains.osmosis-1]
url = "ref:osmosis"
comet_version = "0.37"
`)

	_, _, err := Load(configPath, filepath.Join(dir, "does-not-exist.json"))
	assert.Error(t, err)
}

func TestLoad_DefaultsMetricsPort(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "chainpulse.toml", `
[chains.cosmoshub-4]
url = "wss://rpc.cosmos.network/websocket"
comet_version = "0.34"
`)

	cfg, _, err := Load(configPath, filepath.Join(dir, "chains.json"))
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Metrics.Port)
}

func TestHostSampleInterval_DefaultsTo15Seconds(t *testing.T) {
	var cfg Config
	assert.Equal(t, "15s", cfg.HostSampleInterval().String())
}

func TestStuckThreshold_DefaultsTo15Minutes(t *testing.T) {
	var cfg Config
	assert.Equal(t, 15*time.Minute, cfg.StuckThreshold())
}

func TestLoad_DefaultsStuckThresholdSeconds(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "chainpulse.toml", `
[chains.cosmoshub-4]
url = "wss://rpc.cosmos.network/websocket"
comet_version = "0.34"
`)

	cfg, _, err := Load(configPath, filepath.Join(dir, "chains.json"))
	require.NoError(t, err)
	assert.Equal(t, 900, cfg.Database.StuckThresholdSeconds)
	assert.Equal(t, 15*time.Minute, cfg.StuckThreshold())
}
