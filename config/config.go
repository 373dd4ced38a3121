package config

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	tmcfg "github.com/tendermint/tendermint/config"
)

const (
	DefaultDirName = ".chainbft"

	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName  = "config.toml"
	defaultGenesisJSONName = "genesis.json"

	defaultPrivValKeyName   = "priv_validator_key.json"
	defaultPrivValStateName = "priv_validator_state.json"
	defaultNodeKeyName      = "node_key.json"
)

var (
	defaultConfigFilePath   = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultGenesisJSONPath  = filepath.Join(defaultConfigDir, defaultGenesisJSONName)
	defaultPrivValKeyPath   = filepath.Join(defaultConfigDir, defaultPrivValKeyName)
	defaultPrivValStatePath = filepath.Join(defaultDataDir, defaultPrivValStateName)
	defaultNodeKeyPath      = filepath.Join(defaultConfigDir, defaultNodeKeyName)
)

// Config 节点的全部配置，p2p和rpc部分直接使用tendermint的配置
type Config struct {
	BaseConfig `mapstructure:",squash"`

	P2P       *tmcfg.P2PConfig `mapstructure:"p2p"`
	RPC       *tmcfg.RPCConfig `mapstructure:"rpc"`
	Consensus *ConsensusConfig `mapstructure:"consensus"`
	Mempool   *MempoolConfig   `mapstructure:"mempool"`
}

func DefaultConfig() *Config {
	return &Config{
		BaseConfig: DefaultBaseConfig(),
		P2P:        tmcfg.DefaultP2PConfig(),
		RPC:        tmcfg.DefaultRPCConfig(),
		Consensus:  DefaultConsensusConfig(),
		Mempool:    DefaultMempoolConfig(),
	}
}

// TestConfig 端口随机、超时更短的配置
func TestConfig() *Config {
	return &Config{
		BaseConfig: DefaultBaseConfig(),
		P2P:        tmcfg.TestP2PConfig(),
		RPC:        tmcfg.TestRPCConfig(),
		Consensus:  TestConsensusConfig(),
		Mempool:    DefaultMempoolConfig(),
	}
}

func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.P2P.RootDir = root
	cfg.RPC.RootDir = root
	return cfg
}

func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [p2p] section")
	}
	if err := cfg.RPC.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [rpc] section")
	}
	if err := cfg.Consensus.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [consensus] section")
	}
	return errors.Wrap(cfg.Mempool.ValidateBasic(), "error in [mempool] section")
}

//-----------------------------------------------------------------------------

type BaseConfig struct {
	RootDir string `mapstructure:"home"`

	Moniker  string `mapstructure:"moniker"`
	LogLevel string `mapstructure:"log_level"`

	// tm-db的后端：goleveldb或memdb
	DBBackend string `mapstructure:"db_backend"`
	DBPath    string `mapstructure:"db_dir"`

	Genesis            string `mapstructure:"genesis_file"`
	PrivValidatorKey   string `mapstructure:"priv_validator_key_file"`
	PrivValidatorState string `mapstructure:"priv_validator_state_file"`
	NodeKey            string `mapstructure:"node_key_file"`
}

func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:            "chainbft-node",
		LogLevel:           "info",
		DBBackend:          "goleveldb",
		DBPath:             defaultDataDir,
		Genesis:            defaultGenesisJSONPath,
		PrivValidatorKey:   defaultPrivValKeyPath,
		PrivValidatorState: defaultPrivValStatePath,
		NodeKey:            defaultNodeKeyPath,
	}
}

func (cfg BaseConfig) ConfigFile() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

func (cfg BaseConfig) GenesisFile() string {
	return rootify(cfg.Genesis, cfg.RootDir)
}

func (cfg BaseConfig) PrivValidatorKeyFile() string {
	return rootify(cfg.PrivValidatorKey, cfg.RootDir)
}

func (cfg BaseConfig) PrivValidatorStateFile() string {
	return rootify(cfg.PrivValidatorState, cfg.RootDir)
}

func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return errors.Errorf("unsupported db_backend %q", cfg.DBBackend)
	}
	if cfg.Genesis == "" {
		return errors.New("genesis_file can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------

// ConsensusConfig 共识引擎的可调参数
type ConsensusConfig struct {
	// 是否尝试在自己的slot出块
	GenerateBlocks bool `mapstructure:"generate_blocks"`

	// commit pool保留的高度范围，以及可以认证的最高高度超出maxHeightPrecommitted的部分
	CommitRangeStored      int64 `mapstructure:"commit_range_stored"`
	CertificationLookahead int64 `mapstructure:"certification_lookahead"`

	MaxSyncRestarts int           `mapstructure:"max_sync_restarts"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`

	StatusBroadcastInterval time.Duration `mapstructure:"status_broadcast_interval"`

	// 每个peer每个RateLimitWindow内允许的请求数
	RateLimitWindow            time.Duration `mapstructure:"rate_limit_window"`
	GetLastBlockLimit          int           `mapstructure:"get_last_block_limit"`
	GetBlocksFromIDLimit       int           `mapstructure:"get_blocks_from_id_limit"`
	GetHighestCommonBlockLimit int           `mapstructure:"get_highest_common_block_limit"`
	PostSingleCommitsLimit     int           `mapstructure:"post_single_commits_limit"`

	PenaltyWeight int `mapstructure:"penalty_weight"`
}

func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		GenerateBlocks:             true,
		CommitRangeStored:          100,
		CertificationLookahead:     0,
		MaxSyncRestarts:            5,
		RequestTimeout:             10 * time.Second,
		StatusBroadcastInterval:    5 * time.Second,
		RateLimitWindow:            10 * time.Second,
		GetLastBlockLimit:          10,
		GetBlocksFromIDLimit:       100,
		GetHighestCommonBlockLimit: 10,
		PostSingleCommitsLimit:     100,
		PenaltyWeight:              10,
	}
}

func TestConsensusConfig() *ConsensusConfig {
	cfg := DefaultConsensusConfig()
	cfg.GenerateBlocks = false
	cfg.RequestTimeout = 2 * time.Second
	cfg.StatusBroadcastInterval = 100 * time.Millisecond
	return cfg
}

func (cfg *ConsensusConfig) ValidateBasic() error {
	if cfg.CommitRangeStored <= 0 {
		return errors.New("commit_range_stored must be positive")
	}
	if cfg.CertificationLookahead < 0 {
		return errors.New("certification_lookahead can't be negative")
	}
	if cfg.MaxSyncRestarts < 0 {
		return errors.New("max_sync_restarts can't be negative")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if cfg.StatusBroadcastInterval <= 0 {
		return errors.New("status_broadcast_interval must be positive")
	}
	if cfg.RateLimitWindow <= 0 {
		return errors.New("rate_limit_window must be positive")
	}
	for name, limit := range map[string]int{
		"get_last_block_limit":           cfg.GetLastBlockLimit,
		"get_blocks_from_id_limit":       cfg.GetBlocksFromIDLimit,
		"get_highest_common_block_limit": cfg.GetHighestCommonBlockLimit,
		"post_single_commits_limit":      cfg.PostSingleCommitsLimit,
	} {
		if limit <= 0 {
			return errors.Errorf("%s must be positive", name)
		}
	}
	if cfg.PenaltyWeight <= 0 {
		return errors.New("penalty_weight must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------

type MempoolConfig struct {
	Size       int   `mapstructure:"size"`
	MaxBytes   int64 `mapstructure:"max_txs_bytes"`
	MaxTxBytes int   `mapstructure:"max_tx_bytes"`
	CacheSize  int   `mapstructure:"cache_size"`
	// 区块执行后是否对剩余交易重新CheckTx
	Recheck   bool `mapstructure:"recheck"`
	Broadcast bool `mapstructure:"broadcast"`
}

func DefaultMempoolConfig() *MempoolConfig {
	return &MempoolConfig{
		Size:       5000,
		MaxBytes:   1024 * 1024 * 64,
		MaxTxBytes: 1024 * 16,
		CacheSize:  10000,
		Recheck:    true,
		Broadcast:  true,
	}
}

func (cfg *MempoolConfig) ValidateBasic() error {
	if cfg.Size <= 0 {
		return errors.New("size must be positive")
	}
	if cfg.MaxBytes <= 0 {
		return errors.New("max_txs_bytes must be positive")
	}
	if cfg.MaxTxBytes <= 0 {
		return errors.New("max_tx_bytes must be positive")
	}
	if cfg.CacheSize < 0 {
		return errors.New("cache_size can't be negative")
	}
	return nil
}

func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
