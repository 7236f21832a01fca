package main

import (
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var version = "dev"

var commandVersion = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("c2ml", version)
		cmd.Println("go", runtime.Version(), runtime.GOOS+"/"+runtime.GOARCH)
		if info, loaded := debug.ReadBuildInfo(); loaded {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					cmd.Println("revision", setting.Value)
				}
			}
		}
	},
}

func init() {
	mainCommand.AddCommand(commandVersion)
}
