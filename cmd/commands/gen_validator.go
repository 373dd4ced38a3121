package commands

import (
	"fmt"

	"chainbft_node/privval"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
)

var validatorSeed string

// GenValidatorCmd 生成验证者的出块密钥和BLS密钥
var GenValidatorCmd = &cobra.Command{
	Use:     "gen-validator",
	Aliases: []string{"gen_validator"},
	Short:   "Generate new validator keypair",
	PreRun:  deprecateSnakeCase,
	RunE:    genValidator,
}

func init() {
	GenValidatorCmd.Flags().StringVar(&validatorSeed, "seed", "", "生成密钥的种子，为空时随机生成")
}

func genValidator(cmd *cobra.Command, args []string) error {
	privValKeyFile := config.PrivValidatorKeyFile()
	if tmos.FileExists(privValKeyFile) {
		logger.Info("Found private validator", "keyFile", privValKeyFile)
		return nil
	}

	var pv *privval.FilePV
	if validatorSeed != "" {
		pv = privval.GenFilePVFromSeed([]byte(validatorSeed), privValKeyFile, config.PrivValidatorStateFile())
	} else {
		pv = privval.GenFilePV(privValKeyFile, config.PrivValidatorStateFile())
	}
	jsbz, err := tmjson.Marshal(pv.Key)
	if err != nil {
		return err
	}
	pv.Save()
	fmt.Println(string(jsbz))
	return nil
}
