package commands

import (
	"fmt"
	"io/ioutil"
	"time"

	"chainbft_node/app/smallbank"
	"chainbft_node/privval"
	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmrand "github.com/tendermint/tendermint/libs/rand"
)

var (
	chainID        string
	validatorFiles []string
	accountSum     int
	balance        int64
	blockTime      int64
	bftBatchSize   int64
	genesisTime    int64
)

var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate the genesis file for a cluster",
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringSliceVar(&validatorFiles, "validators", nil,
		"show-validator输出的验证者文件，为空时只使用本节点的验证者")
	addGenesisFlags(GenGenesisCmd)
}

func addGenesisFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&chainID, "chain-id", "", "链名，为空时随机生成")
	cmd.Flags().IntVar(&accountSum, "accounts", 100, "创世SmallBank账户数，账户密钥为smallbank.AccountKey(i)")
	cmd.Flags().Int64Var(&balance, "balance", 10000, "每个账户checking和saving的初始余额")
	cmd.Flags().Int64Var(&blockTime, "block-time", types.DefaultBlockTime, "slot长度（秒）")
	cmd.Flags().Int64Var(&bftBatchSize, "bft-batch-size", 0, "BFT batch size，为0时等于验证者数量")
	cmd.Flags().Int64Var(&genesisTime, "genesis-time", 0, "创世时间（unix秒），为0时使用当前时间")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}

	var validators []*types.ValidatorInfo
	for _, file := range validatorFiles {
		bz, err := ioutil.ReadFile(file)
		if err != nil {
			return errors.Wrapf(err, "read validator file %s", file)
		}
		vi := &types.ValidatorInfo{}
		if err := tmjson.Unmarshal(bz, vi); err != nil {
			return errors.Wrapf(err, "decode validator file %s", file)
		}
		validators = append(validators, vi)
	}
	if len(validators) == 0 {
		pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile(), config.PrivValidatorStateFile())
		validators = append(validators, types.ValidatorInfoOf(pv, 1))
	}

	genDoc, err := makeGenesisDoc(validators)
	if err != nil {
		return err
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "chainID", genDoc.ChainID,
		"validators", len(validators), "accounts", accountSum)
	return nil
}

// makeGenesisDoc 按命令行参数生成SmallBank创世文件
func makeGenesisDoc(validators []*types.ValidatorInfo) (*types.GenesisDoc, error) {
	id := chainID
	if id == "" {
		id = fmt.Sprintf("chainbft-%v", tmrand.Str(6))
	}
	start := genesisTime
	if start == 0 {
		start = time.Now().Unix()
	}
	batch := bftBatchSize
	if batch == 0 {
		batch = int64(len(validators))
	}

	g := &smallbank.Genesis{Validators: validators}
	for i := 0; i < accountSum; i++ {
		key := smallbank.AccountKey(i)
		g.Accounts = append(g.Accounts, &smallbank.GenesisAccount{
			Address:  types.GetAddress(key.PubKey()),
			Checking: balance,
			Saving:   balance,
		})
	}
	return smallbank.NewGenesisDoc(id, start, blockTime, batch, g)
}
