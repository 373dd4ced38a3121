package main

import (
	"os"
	"path/filepath"

	cmd "chainbft_node/cmd/commands"
	cfg "chainbft_node/config"
	nm "chainbft_node/node"

	"github.com/tendermint/tendermint/libs/cli"
)

func main() {
	rootCmd := cmd.RootCmd
	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.GenValidatorCmd,
		cmd.GenNodeKeyCmd,
		cmd.GenGenesisCmd,
		cmd.ShowValidatorCmd,
		cmd.ShowNodeIDCmd,
		cli.NewCompletionCmd(rootCmd, true),
	)

	// NOTE:
	// Users wishing to:
	//	* Use an external signer for their validators
	//	* Supply a genesis doc file from another source
	//	* Provide their own DB implementation
	// can copy this file and use something other than the
	// DefaultNewNode function
	nodeFunc := nm.DefaultNewNode

	// Create & start node
	rootCmd.AddCommand(cmd.NewRunNodeCmd(nodeFunc))

	c := cli.PrepareBaseCmd(rootCmd, "CB", os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultDirName)))
	if err := c.Execute(); err != nil {
		panic(err)
	}
}
