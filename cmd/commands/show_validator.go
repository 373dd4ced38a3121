package commands

import (
	"fmt"

	"chainbft_node/privval"
	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
)

var bftWeight uint64

// ShowValidatorCmd 输出gen-genesis使用的验证者信息
var ShowValidatorCmd = &cobra.Command{
	Use:     "show-validator",
	Aliases: []string{"show_validator"},
	Short:   "Show this node's validator info",
	RunE:    showValidator,
	PreRun:  deprecateSnakeCase,
}

func init() {
	ShowValidatorCmd.Flags().Uint64Var(&bftWeight, "bft-weight", 1, "验证者的BFT权重")
}

func showValidator(cmd *cobra.Command, args []string) error {
	keyFilePath := config.PrivValidatorKeyFile()
	if !tmos.FileExists(keyFilePath) {
		return errors.Errorf("private validator file %s does not exist", keyFilePath)
	}
	pv := privval.LoadFilePVEmptyState(keyFilePath, config.PrivValidatorStateFile())

	bz, err := tmjson.MarshalIndent(types.ValidatorInfoOf(pv, bftWeight), "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal validator info")
	}
	fmt.Println(string(bz))
	return nil
}
