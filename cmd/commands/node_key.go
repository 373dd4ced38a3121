package commands

import (
	"fmt"
	"path/filepath"

	cfg "chainbft_node/config"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/p2p"
)

var nodeKeySeed string

// GenNodeKeyCmd 生成p2p连接使用的节点密钥，输出nodeID
var GenNodeKeyCmd = &cobra.Command{
	Use:     "gen-node-key",
	Aliases: []string{"gen_node_key"},
	Short:   "Generate a node key for this node and print its ID",
	PreRun:  deprecateSnakeCase,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeKey, err := genNodeKeyFile(config.NodeKeyFile(), nodeKeySeed)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), nodeKey.ID())
		return nil
	},
}

// ShowNodeIDCmd 输出已有节点密钥对应的nodeID
var ShowNodeIDCmd = &cobra.Command{
	Use:     "show-node-id",
	Aliases: []string{"show_node_id"},
	Short:   "Show this node's ID",
	PreRun:  deprecateSnakeCase,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeKey, err := p2p.LoadNodeKey(config.NodeKeyFile())
		if err != nil {
			return errors.Wrap(err, "run gen-node-key or init first")
		}
		fmt.Fprintln(cmd.OutOrStdout(), nodeKey.ID())
		return nil
	},
}

func init() {
	GenNodeKeyCmd.Flags().StringVar(&nodeKeySeed, "seed", "", "生成密钥的种子，为空时随机生成")
}

// genNodeKeyFile 已存在的密钥不覆盖；seed相同的节点得到相同的nodeID，便于配置persistent_peers
func genNodeKeyFile(path, seed string) (*p2p.NodeKey, error) {
	if tmos.FileExists(path) {
		return nil, errors.Errorf("node key at %s already exists", path)
	}
	if err := tmos.EnsureDir(filepath.Dir(path), cfg.DefaultDirPerm); err != nil {
		return nil, err
	}
	if seed == "" {
		return p2p.LoadOrGenNodeKey(path)
	}
	nodeKey := &p2p.NodeKey{PrivKey: ed25519.GenPrivKeyFromSecret([]byte(seed))}
	if err := nodeKey.SaveAs(path); err != nil {
		return nil, errors.Wrapf(err, "save node key %s", path)
	}
	return nodeKey, nil
}
