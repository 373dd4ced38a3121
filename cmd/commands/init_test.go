package commands

import (
	"path/filepath"
	"testing"

	"chainbft_node/app/smallbank"
	cfg "chainbft_node/config"
	nm "chainbft_node/node"
	"chainbft_node/privval"
	"chainbft_node/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/p2p"
)

func testConfig(t *testing.T) *cfg.Config {
	conf := cfg.TestConfig().SetRoot(t.TempDir())
	conf.DBBackend = "memdb"
	require.NoError(t, cfg.EnsureRoot(conf.RootDir))
	return conf
}

func TestInitFiles(t *testing.T) {
	conf := testConfig(t)
	require.NoError(t, initFilesWithConfig(conf))

	assert.True(t, tmos.FileExists(conf.PrivValidatorKeyFile()))
	assert.True(t, tmos.FileExists(conf.NodeKeyFile()))
	genDoc, err := types.GenesisDocFromFile(conf.GenesisFile())
	require.NoError(t, err)
	assert.Len(t, genDoc.StateRoot, types.IDLength)
	assert.Equal(t, int64(1), genDoc.BFTBatchSize)

	g, err := smallbank.GenesisFromDoc(genDoc)
	require.NoError(t, err)
	assert.Len(t, g.Accounts, accountSum)
	require.Len(t, g.Validators, 1)
	pv := privval.LoadFilePV(conf.PrivValidatorKeyFile(), conf.PrivValidatorStateFile())
	assert.Equal(t, pv.GetAddress(), g.Validators[0].Address)
	assert.Equal(t, types.GetAddress(smallbank.AccountKey(0).PubKey()), g.Accounts[0].Address)

	// 已有文件时不覆盖
	require.NoError(t, initFilesWithConfig(conf))
	again, err := types.GenesisDocFromFile(conf.GenesisFile())
	require.NoError(t, err)
	assert.Equal(t, genDoc.ChainID, again.ChainID)

	// 生成的文件可以直接创建节点
	n, err := nm.DefaultNewNode(conf, log.TestingLogger())
	require.NoError(t, err)
	assert.Equal(t, genDoc.ChainID, n.GenesisDoc().ChainID)
}

func TestMakeGenesisDocMultipleValidators(t *testing.T) {
	validators := []*types.ValidatorInfo{
		types.ValidatorInfoOf(types.NewMockPVFromSeed([]byte("v1")), 1),
		types.ValidatorInfoOf(types.NewMockPVFromSeed([]byte("v2")), 1),
		types.ValidatorInfoOf(types.NewMockPVFromSeed([]byte("v3")), 1),
	}
	genDoc, err := makeGenesisDoc(validators)
	require.NoError(t, err)
	assert.Equal(t, int64(3), genDoc.BFTBatchSize)

	g, err := smallbank.GenesisFromDoc(genDoc)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), g.ValidatorUpdate().PrecommitThreshold)
}

func TestGenNodeKeyFile(t *testing.T) {
	conf := testConfig(t)
	path := filepath.Join(conf.RootDir, "keys", "node_key.json")

	nodeKey, err := genNodeKeyFile(path, "node-0")
	require.NoError(t, err)
	loaded, err := p2p.LoadNodeKey(path)
	require.NoError(t, err)
	assert.Equal(t, nodeKey.ID(), loaded.ID())

	_, err = genNodeKeyFile(path, "node-0")
	assert.Error(t, err, "existing key must not be overwritten")

	// 相同的seed得到相同的nodeID
	other, err := genNodeKeyFile(filepath.Join(conf.RootDir, "other.json"), "node-0")
	require.NoError(t, err)
	assert.Equal(t, nodeKey.ID(), other.ID())
	random, err := genNodeKeyFile(filepath.Join(conf.RootDir, "random.json"), "")
	require.NoError(t, err)
	assert.NotEqual(t, nodeKey.ID(), random.ID())
}
