package config

import (
	"bytes"
	"path/filepath"
	"text/template"

	"github.com/pkg/errors"
	tmos "github.com/tendermint/tendermint/libs/os"
)

// DefaultDirPerm is the default permissions used when creating directories.
const DefaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	if configTemplate, err = template.New("configFileTemplate").Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

// EnsureRoot 创建根目录、config和data目录，config.toml不存在时写入默认配置
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{rootDir, filepath.Join(rootDir, defaultConfigDir), filepath.Join(rootDir, defaultDataDir)} {
		if err := tmos.EnsureDir(dir, DefaultDirPerm); err != nil {
			return errors.Wrapf(err, "ensure dir %s", dir)
		}
	}
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if !tmos.FileExists(configFilePath) {
		return WriteConfigFile(configFilePath, DefaultConfig())
	}
	return nil
}

// WriteConfigFile 按模板把config写成toml
func WriteConfigFile(configFilePath string, config *Config) error {
	var buffer bytes.Buffer
	if err := configTemplate.Execute(&buffer, config); err != nil {
		return err
	}
	return tmos.WriteFile(configFilePath, buffer.Bytes(), 0644)
}

const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/myawesomeapp/data") or
# relative to the home directory (e.g. "data").

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Output level for logging, including package level options
log_level = "{{ .BaseConfig.LogLevel }}"

# Database backend: goleveldb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ .BaseConfig.DBPath }}"

# Path to the JSON file containing the genesis block and chain parameters
genesis_file = "{{ .BaseConfig.Genesis }}"

# Path to the JSON file containing the private key to use as a validator
priv_validator_key_file = "{{ .BaseConfig.PrivValidatorKey }}"

# Path to the JSON file containing the height of the last generated block
priv_validator_state_file = "{{ .BaseConfig.PrivValidatorState }}"

# Path to the JSON file containing the private key to use for node authentication in the p2p protocol
node_key_file = "{{ .BaseConfig.NodeKey }}"

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###       RPC Server Configuration Options          ###
#######################################################
[rpc]

# TCP or UNIX socket address for the RPC server to listen on
laddr = "{{ .RPC.ListenAddress }}"

# Maximum number of simultaneous connections (including WebSocket).
max_open_connections = {{ .RPC.MaxOpenConnections }}

# Maximum size of request body, in bytes
max_body_bytes = {{ .RPC.MaxBodyBytes }}

# Maximum size of request header, in bytes
max_header_bytes = {{ .RPC.MaxHeaderBytes }}

# How long to wait for a tx to be committed during /broadcast_tx_commit.
timeout_broadcast_tx_commit = "{{ .RPC.TimeoutBroadcastTxCommit }}"

#######################################################
###           P2P Configuration Options             ###
#######################################################
[p2p]

# Address to listen for incoming connections
laddr = "{{ .P2P.ListenAddress }}"

# Address to advertise to peers for them to dial
external_address = "{{ .P2P.ExternalAddress }}"

# Comma separated list of nodes to keep persistent connections to
persistent_peers = "{{ .P2P.PersistentPeers }}"

# Set true for strict address routability rules
# Set false for private or local networks
addr_book_strict = {{ .P2P.AddrBookStrict }}

# Maximum number of inbound peers
max_num_inbound_peers = {{ .P2P.MaxNumInboundPeers }}

# Maximum number of outbound peers to connect to, excluding persistent peers
max_num_outbound_peers = {{ .P2P.MaxNumOutboundPeers }}

# Maximum size of a message packet payload, in bytes
max_packet_msg_payload_size = {{ .P2P.MaxPacketMsgPayloadSize }}

# Rate at which packets can be sent, in bytes/second
send_rate = {{ .P2P.SendRate }}

# Rate at which packets can be received, in bytes/second
recv_rate = {{ .P2P.RecvRate }}

# Toggle to disable guard against peers connecting from the same ip.
allow_duplicate_ip = {{ .P2P.AllowDuplicateIP }}

# Peer connection configuration.
handshake_timeout = "{{ .P2P.HandshakeTimeout }}"
dial_timeout = "{{ .P2P.DialTimeout }}"

#######################################################
###          Mempool Configuration Option          ###
#######################################################
[mempool]

recheck = {{ .Mempool.Recheck }}
broadcast = {{ .Mempool.Broadcast }}

# Maximum number of transactions in the mempool
size = {{ .Mempool.Size }}

# Limit the total size of all txs in the mempool.
max_txs_bytes = {{ .Mempool.MaxBytes }}

# Size of the cache (used to filter transactions we saw earlier) in transactions
cache_size = {{ .Mempool.CacheSize }}

# Maximum size of a single transaction.
max_tx_bytes = {{ .Mempool.MaxTxBytes }}

#######################################################
###         Consensus Configuration Options         ###
#######################################################
[consensus]

# Generate blocks in the slots assigned to this node's validator key
generate_blocks = {{ .Consensus.GenerateBlocks }}

# Heights of single commits kept in the commit pool
commit_range_stored = {{ .Consensus.CommitRangeStored }}
certification_lookahead = {{ .Consensus.CertificationLookahead }}

# Block synchronization
max_sync_restarts = {{ .Consensus.MaxSyncRestarts }}
request_timeout = "{{ .Consensus.RequestTimeout }}"

status_broadcast_interval = "{{ .Consensus.StatusBroadcastInterval }}"

# Per peer request limits in each rate_limit_window
rate_limit_window = "{{ .Consensus.RateLimitWindow }}"
get_last_block_limit = {{ .Consensus.GetLastBlockLimit }}
get_blocks_from_id_limit = {{ .Consensus.GetBlocksFromIDLimit }}
get_highest_common_block_limit = {{ .Consensus.GetHighestCommonBlockLimit }}
post_single_commits_limit = {{ .Consensus.PostSingleCommitsLimit }}

# Penalty applied to misbehaving peers
penalty_weight = {{ .Consensus.PenaltyWeight }}
`
