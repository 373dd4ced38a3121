package commands

import (
	cfg "chainbft_node/config"
	"chainbft_node/privval"
	"chainbft_node/types"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
)

// InitFilesCmd 生成单验证者链需要的全部文件
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a single validator chain",
	RunE:  initFiles,
}

func init() {
	addGenesisFlags(InitFilesCmd)
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	// private validator
	privValKeyFile := config.PrivValidatorKeyFile()
	privValStateFile := config.PrivValidatorStateFile()
	var pv *privval.FilePV
	if tmos.FileExists(privValKeyFile) {
		pv = privval.LoadFilePV(privValKeyFile, privValStateFile)
		logger.Info("Found private validator", "keyFile", privValKeyFile, "stateFile", privValStateFile)
	} else {
		pv = privval.GenFilePV(privValKeyFile, privValStateFile)
		pv.Save()
		logger.Info("Generated private validator", "keyFile", privValKeyFile, "stateFile", privValStateFile)
	}

	nodeKeyFile := config.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		logger.Info("Found node key", "path", nodeKeyFile)
	} else {
		nodeKey, err := genNodeKeyFile(nodeKeyFile, "")
		if err != nil {
			return err
		}
		logger.Info("Generated node key", "path", nodeKeyFile, "id", nodeKey.ID())
	}

	// genesis file
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}
	genDoc, err := makeGenesisDoc([]*types.ValidatorInfo{types.ValidatorInfoOf(pv, 1)})
	if err != nil {
		return err
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "chainID", genDoc.ChainID)
	return nil
}
