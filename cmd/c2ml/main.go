package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sagernet/sing-c2ml/config"
	"github.com/sagernet/sing-c2ml/log"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logFile    string
	verbose    bool
)

var mainCommand = &cobra.Command{
	Use:          "c2ml",
	Short:        "Share a bottleneck link between cooperating nodes",
	SilenceUsage: true,
}

func init() {
	mainCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file path")
	mainCommand.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	mainCommand.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := mainCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, *log.Logger, error) {
	options, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level := options.Log.Level
	if verbose {
		level = "debug"
	}
	file := options.Log.File
	if logFile != "" {
		file = logFile
	}
	logger, err := log.New(log.Options{Level: level, File: file})
	if err != nil {
		return nil, nil, err
	}
	return options, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
