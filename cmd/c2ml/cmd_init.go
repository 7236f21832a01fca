package main

import (
	"os"

	"github.com/sagernet/sing-c2ml/config"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/spf13/cobra"
)

var initForce bool

var commandInit = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !initForce {
			if _, err := os.Stat(configPath); err == nil {
				return E.New(configPath, " already exists, use --force to overwrite")
			}
		}
		content, err := config.Marshal(config.Sample())
		if err != nil {
			return err
		}
		err = os.WriteFile(configPath, content, 0o644)
		if err != nil {
			return err
		}
		cmd.Println("wrote", configPath)
		return nil
	},
}

func init() {
	commandInit.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file")
	mainCommand.AddCommand(commandInit)
}
