package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/chainsync"
	"github.com/TEENet-io/bridge-relay/chaintxmgr"
	"github.com/TEENet-io/bridge-relay/supervisor"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

const (
	ENV_PREFIX           = "RELAY"
	ENV_CONFIG_FILE_PATH = "RELAY_CONFIG"

	DB_DRIVER_SQLITE = "sqlite"
	DB_DRIVER_REDIS  = "redis"
)

// One ledger as written in the config file.
type LedgerFileConfig struct {
	Name          string   `mapstructure:"name"`
	Aliases       []string `mapstructure:"aliases"`
	RpcUrl        string   `mapstructure:"rpc_url"`
	ChainID       uint64   `mapstructure:"chain_id"`
	BridgeAddress string   `mapstructure:"bridge_address"`
	TokenAddress  string   `mapstructure:"token_address"`
	GasLimit      uint64   `mapstructure:"gas_limit"`
	// nil = scan from the current head (first run) or the stored cursor
	StartBlock *int64 `mapstructure:"start_block"`
	// nil = honor the stored cursor
	ForceScanBlock *int64 `mapstructure:"force_scan_block"`
}

func (l *LedgerFileConfig) startBlock() int64 {
	if l.StartBlock == nil {
		return -1
	}
	return *l.StartBlock
}

func (l *LedgerFileConfig) forceScanBlock() int64 {
	if l.ForceScanBlock == nil {
		return -1
	}
	return *l.ForceScanBlock
}

// Keep the configuration's fields as "text" as possible.
// Its easier to load it from env vars or a config file.
type RelayServerConfig struct {
	// state side
	DbDriver      string `mapstructure:"db_driver"`    // sqlite or redis
	DbFilePath    string `mapstructure:"db_file_path"` // sqlite file, also keeps the tx history
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	// Http side
	HttpIp   string `mapstructure:"http_ip"`   // eg. 0.0.0.0
	HttpPort string `mapstructure:"http_port"` // eg. 8080

	LogLevel string `mapstructure:"log_level"`

	// private key of the relay account, same on both ledgers
	PrivateKey string `mapstructure:"private_key"`

	// poller
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BlockBatch    uint64        `mapstructure:"block_batch"`
	FinalityDepth uint64        `mapstructure:"finality_depth"`

	// executor
	ConfirmationDelay   time.Duration `mapstructure:"confirmation_delay"`
	MaxRetryAttempts    int           `mapstructure:"max_retry_attempts"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff     time.Duration `mapstructure:"max_retry_backoff"`
	ReceiptTimeout      time.Duration `mapstructure:"receipt_timeout"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`

	// supervisor
	ReconnectBackoff            time.Duration `mapstructure:"reconnect_backoff"`
	MaxReconnectAttempts        int           `mapstructure:"max_reconnect_attempts"`
	TransientBudget             int           `mapstructure:"transient_budget"`
	PreventiveReconnectInterval time.Duration `mapstructure:"preventive_reconnect_interval"`

	StatsInterval time.Duration `mapstructure:"stats_interval"`

	Ledgers []LedgerFileConfig `mapstructure:"ledgers"`
}

// Defaults follow the behaviour of the first oracle deployment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db_driver", DB_DRIVER_SQLITE)
	v.SetDefault("db_file_path", "relay.db")
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_prefix", "relay")
	v.SetDefault("http_ip", "0.0.0.0")
	v.SetDefault("http_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("private_key", "")
	v.SetDefault("poll_interval", chainsync.DefaultInterval)
	v.SetDefault("block_batch", chainsync.DefaultBlockBatch)
	v.SetDefault("finality_depth", 0)
	v.SetDefault("confirmation_delay", chaintxmgr.DefaultConfirmationDelay)
	v.SetDefault("max_retry_attempts", chaintxmgr.DefaultMaxAttempts)
	v.SetDefault("retry_backoff", chaintxmgr.DefaultRetryBackoff)
	v.SetDefault("max_retry_backoff", chaintxmgr.DefaultMaxRetryBackoff)
	v.SetDefault("receipt_timeout", chaintxmgr.DefaultReceiptTimeout)
	v.SetDefault("receipt_poll_interval", chaintxmgr.DefaultReceiptPollInterval)
	v.SetDefault("reconnect_backoff", supervisor.DefaultReconnectBackoff)
	v.SetDefault("max_reconnect_attempts", supervisor.DefaultMaxReconnectAttempts)
	v.SetDefault("transient_budget", supervisor.DefaultTransientBudget)
	v.SetDefault("preventive_reconnect_interval", supervisor.DefaultPreventiveReconnectInterval)
	v.SetDefault("stats_interval", time.Minute)
}

// NewViper returns a viper reading RELAY_* env vars on top of the defaults
// and, when filePath is not empty, the config file.
func NewViper(filePath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filePath != "" {
		if !FileExists(filePath) {
			return nil, fmt.Errorf("%w: configuration file not found: %s", agreement.ErrFatalConfiguration, filePath)
		}
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: error reading configuration file: %w", agreement.ErrFatalConfiguration, err)
		}
	}
	return v, nil
}

// LoadRelayServerConfig decodes and validates the configuration.
func LoadRelayServerConfig(v *viper.Viper) (*RelayServerConfig, error) {
	cfg := &RelayServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", agreement.ErrFatalConfiguration, err)
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateStore checks what the offline commands need.
func (c *RelayServerConfig) ValidateStore() error {
	switch c.DbDriver {
	case DB_DRIVER_SQLITE:
		if c.DbFilePath == "" {
			return fatalf("db_file_path is required for the sqlite driver")
		}
	case DB_DRIVER_REDIS:
		if c.RedisAddr == "" {
			return fatalf("redis_addr is required for the redis driver")
		}
	default:
		return fatalf("unknown db_driver %q", c.DbDriver)
	}
	return nil
}

// Validate checks everything the relay server needs.
func (c *RelayServerConfig) Validate() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if c.PrivateKey == "" {
		return fatalf("private_key is required (RELAY_PRIVATE_KEY)")
	}
	if c.PollInterval <= 0 {
		return fatalf("poll_interval must be positive")
	}
	if c.MaxRetryAttempts <= 0 {
		return fatalf("max_retry_attempts must be positive")
	}
	if len(c.Ledgers) != 2 {
		return fatalf("exactly two ledgers are required, got %d", len(c.Ledgers))
	}

	for i := range c.Ledgers {
		l := &c.Ledgers[i]
		if strings.TrimSpace(l.Name) == "" {
			return fatalf("ledger %d has no name", i)
		}
		if l.RpcUrl == "" {
			return fatalf("ledger %s has no rpc_url", l.Name)
		}
		if !ethcommon.IsHexAddress(l.BridgeAddress) {
			return fatalf("ledger %s has an invalid bridge_address %q", l.Name, l.BridgeAddress)
		}
		if l.TokenAddress != "" && !ethcommon.IsHexAddress(l.TokenAddress) {
			return fatalf("ledger %s has an invalid token_address %q", l.Name, l.TokenAddress)
		}
		if l.StartBlock != nil && *l.StartBlock < -1 {
			return fatalf("ledger %s start_block must be -1 or a block number", l.Name)
		}
		if l.ForceScanBlock != nil && *l.ForceScanBlock < -1 {
			return fatalf("ledger %s force_scan_block must be -1 or a block number", l.Name)
		}
	}

	names := map[string]string{}
	for _, l := range c.Ledgers {
		for _, n := range append([]string{l.Name}, l.Aliases...) {
			key := strings.ToLower(strings.TrimSpace(n))
			if owner, ok := names[key]; ok && owner != l.Name {
				return fatalf("ledgers %s and %s share the name %q", owner, l.Name, n)
			}
			names[key] = l.Name
		}
	}
	return nil
}

func fatalf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{agreement.ErrFatalConfiguration}, args...)...)
}
