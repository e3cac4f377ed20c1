package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TEENet-io/bridge-relay/agreement"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYaml = `
db_driver: sqlite
db_file_path: %s
http_port: "18080"
log_level: debug
poll_interval: 3s
confirmation_delay: 1s
ledgers:
  - name: moonbeam
    aliases: [moonbase]
    rpc_url: http://127.0.0.1:9933
    chain_id: 1287
    bridge_address: "0x00000000000000000000000000000000000000b1"
    token_address: "0x00000000000000000000000000000000000000c1"
    start_block: 100
  - name: astar
    aliases: [shibuya]
    rpc_url: http://127.0.0.1:9944
    chain_id: 81
    bridge_address: "0x00000000000000000000000000000000000000b2"
    gas_limit: 500000
    force_scan_block: 7
`

func writeConfig(t *testing.T, content string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validYaml(t *testing.T) string {
	return writeConfig(t, fmt.Sprintf(testConfigYaml, filepath.Join(t.TempDir(), "relay.db")))
}

func TestLoadRelayServerConfig(t *testing.T) {
	t.Setenv("RELAY_PRIVATE_KEY", "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	t.Setenv("RELAY_MAX_RETRY_ATTEMPTS", "5")

	v, err := NewViper(validYaml(t))
	require.NoError(t, err)
	cfg, err := LoadRelayServerConfig(v)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	// file
	assert.Equal(t, DB_DRIVER_SQLITE, cfg.DbDriver)
	assert.Equal(t, "18080", cfg.HttpPort)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.ConfirmationDelay)
	// env
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.NotEmpty(t, cfg.PrivateKey)
	// defaults
	assert.Equal(t, 30*time.Minute, cfg.PreventiveReconnectInterval)
	assert.Equal(t, 2*time.Minute, cfg.ReceiptTimeout)
	assert.Equal(t, uint64(1000), cfg.BlockBatch)

	require.Len(t, cfg.Ledgers, 2)
	moonbeam, astar := cfg.Ledgers[0], cfg.Ledgers[1]
	assert.Equal(t, "moonbeam", moonbeam.Name)
	assert.Equal(t, []string{"moonbase"}, moonbeam.Aliases)
	assert.Equal(t, uint64(1287), moonbeam.ChainID)
	assert.Equal(t, int64(100), moonbeam.startBlock())
	assert.Equal(t, int64(-1), moonbeam.forceScanBlock())
	assert.Equal(t, int64(-1), astar.startBlock())
	assert.Equal(t, int64(7), astar.forceScanBlock())

	ec := ethermanConfig(cfg, &astar)
	assert.Equal(t, uint64(500000), ec.GasLimit)
	assert.Equal(t, ethcommon.HexToAddress("0x00000000000000000000000000000000000000b2"), ec.BridgeAddress)
	assert.Equal(t, ethcommon.Address{}, ec.TokenAddress)
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("RELAY_PRIVATE_KEY", "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	load := func() *RelayServerConfig {
		v, err := NewViper(validYaml(t))
		require.NoError(t, err)
		cfg, err := LoadRelayServerConfig(v)
		require.NoError(t, err)
		return cfg
	}

	tests := map[string]func(c *RelayServerConfig){
		"no key":         func(c *RelayServerConfig) { c.PrivateKey = "" },
		"one ledger":     func(c *RelayServerConfig) { c.Ledgers = c.Ledgers[:1] },
		"no name":        func(c *RelayServerConfig) { c.Ledgers[0].Name = " " },
		"no rpc":         func(c *RelayServerConfig) { c.Ledgers[1].RpcUrl = "" },
		"bad bridge":     func(c *RelayServerConfig) { c.Ledgers[0].BridgeAddress = "0x1234" },
		"bad token":      func(c *RelayServerConfig) { c.Ledgers[1].TokenAddress = "token" },
		"alias clash":    func(c *RelayServerConfig) { c.Ledgers[1].Aliases = []string{"Moonbeam"} },
		"bad driver":     func(c *RelayServerConfig) { c.DbDriver = "postgres" },
		"no attempts":    func(c *RelayServerConfig) { c.MaxRetryAttempts = 0 },
		"bad startblock": func(c *RelayServerConfig) { b := int64(-2); c.Ledgers[0].StartBlock = &b },
	}
	for name, mutate := range tests {
		cfg := load()
		mutate(cfg)
		err := cfg.Validate()
		assert.ErrorIs(t, err, agreement.ErrFatalConfiguration, name)
	}
}

func TestNewViperMissingFile(t *testing.T) {
	_, err := NewViper(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, agreement.ErrFatalConfiguration)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("RELAY_DB_DRIVER", "mongo")
	v, err := NewViper("")
	require.NoError(t, err)
	_, err = LoadRelayServerConfig(v)
	assert.ErrorIs(t, err, agreement.ErrFatalConfiguration)
}
