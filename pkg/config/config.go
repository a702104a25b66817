package config

// Package config provides a reusable loader for novachain node configuration
// files and environment variables, generalizing the teacher's
// viper-plus-YAML loader (same shape: a default file, an optional
// environment overlay, then an AutomaticEnv pass) to the node's own fields.

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"novachain/pkg/utils"
)

// Config mirrors the YAML files under cmd/config and the NODE_ environment
// prefix (spec §6's environment-override rule).
type Config struct {
	Network struct {
		Magic          uint32   `mapstructure:"magic" json:"magic"`
		ListenAddrs    []string `mapstructure:"listen_addrs" json:"listen_addrs"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		RequireAuth    bool     `mapstructure:"require_auth" json:"require_auth"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		TargetBlockTimeSeconds int64  `mapstructure:"target_block_time" json:"target_block_time"`
		RetargetInterval       uint64 `mapstructure:"retarget_interval" json:"retarget_interval"`
		InitialDifficulty      uint32 `mapstructure:"initial_difficulty" json:"initial_difficulty"`
		CoinbaseMaturity       uint64 `mapstructure:"coinbase_maturity" json:"coinbase_maturity"`
	} `mapstructure:"consensus" json:"consensus"`

	Mempool struct {
		Capacity int `mapstructure:"capacity" json:"capacity"`
	} `mapstructure:"mempool" json:"mempool"`

	Mining struct {
		Enabled              bool   `mapstructure:"enabled" json:"enabled"`
		MaxTxPerBlock        int    `mapstructure:"max_tx_per_block" json:"max_tx_per_block"`
		CoinbaseReward       uint64 `mapstructure:"coinbase_reward" json:"coinbase_reward"`
		RewardAddress        string `mapstructure:"reward_address" json:"reward_address"`
	} `mapstructure:"mining" json:"mining"`

	Storage struct {
		Backend   string `mapstructure:"backend" json:"backend"` // "json" or "bolt"
		BlocksDir string `mapstructure:"blocks_dir" json:"blocks_dir"`
		StateDir  string `mapstructure:"state_dir" json:"state_dir"`
	} `mapstructure:"storage" json:"storage"`

	Wallet struct {
		KeystorePath string `mapstructure:"keystore_path" json:"keystore_path"`
	} `mapstructure:"wallet" json:"wallet"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Runtime struct {
		DataDir              string        `mapstructure:"data_dir" json:"data_dir"`
		GracePeriod          time.Duration `mapstructure:"grace_period" json:"grace_period"`
		ReconnectInterval    time.Duration `mapstructure:"reconnect_interval" json:"reconnect_interval"`
		ReputationDecayEvery time.Duration `mapstructure:"reputation_decay_every" json:"reputation_decay_every"`
	} `mapstructure:"runtime" json:"runtime"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads cmd/config/default.yaml, optionally merges an env-specific
// overlay, then layers environment variables under the NODE_ prefix over
// the result (spec §6).
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional local .env, missing file is not an error

	setDefaults()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	// cmd/config/default.yaml is optional: setDefaults above already covers
	// every field, so a fresh checkout with no config file still runs.
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	viper.SetEnvPrefix("NODE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// setDefaults mirrors cmd/config/default.yaml's values so Load works out of
// the box on a fresh checkout with no config file present at all.
func setDefaults() {
	viper.SetDefault("network.magic", 0x4e4f5641) // "NOVA"
	viper.SetDefault("network.listen_addrs", []string{"/ip4/0.0.0.0/tcp/9333"})
	viper.SetDefault("network.bootstrap_peers", []string{})
	viper.SetDefault("network.max_peers", 64)
	viper.SetDefault("network.require_auth", false)

	viper.SetDefault("consensus.target_block_time", 60)
	viper.SetDefault("consensus.retarget_interval", 2016)
	viper.SetDefault("consensus.initial_difficulty", 1)
	viper.SetDefault("consensus.coinbase_maturity", 100)

	viper.SetDefault("mempool.capacity", 5000)

	viper.SetDefault("mining.enabled", false)
	viper.SetDefault("mining.max_tx_per_block", 2000)
	viper.SetDefault("mining.coinbase_reward", 5000000000)
	viper.SetDefault("mining.reward_address", "")

	viper.SetDefault("storage.backend", "json")
	viper.SetDefault("storage.blocks_dir", "data/blocks")
	viper.SetDefault("storage.state_dir", "data/state")

	viper.SetDefault("wallet.keystore_path", "data/wallet")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.file", "")

	viper.SetDefault("runtime.data_dir", "data")
	viper.SetDefault("runtime.grace_period", "10s")
	viper.SetDefault("runtime.reconnect_interval", "30s")
	viper.SetDefault("runtime.reputation_decay_every", "5m")
}

// LoadFromEnv loads configuration using the NODE_ENV environment variable to
// select an overlay file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("NODE_ENV", ""))
}
