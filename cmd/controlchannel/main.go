package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-control-channel/internal/config"
	"github.com/life-stream-dev/life-stream-control-channel/internal/event"
	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
)

var configPath string

// bootstrap 读取配置并初始化日志与清理器
func bootstrap() (config.Config, *event.Cleaner, error) {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			logger.WarnF("%v (%s)", err, configPath)
		}
		return cfg, nil, err
	}
	loggerCallback := logger.Init(cfg.LogDir, cfg.DebugMode)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	return cfg, cleaner, nil
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "controlchannel",
		Short:         "Multiplexed publish/subscribe control channel over TCP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file (json or yaml)")
	root.AddCommand(newServerCommand(), newClientCommand(), newSessionsCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logger.FatalF("Error occured while running command, details: %v", err)
		os.Exit(1)
	}
}
