package main

import (
	"github.com/spf13/cobra"

	"ollama-chat-go/internal/config"
	"ollama-chat-go/pkg/log"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ollama-chat",
	Short: "Chat web service backed by a local Ollama model",
	Long: `ollama-chat serves a browser chat UI API that relays streaming
replies from a locally hosted Ollama model, with per-user saved
conversations and anonymous session history.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. 初始化配置
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		config.Conf = cfg

		// 2. 初始化日志记录器
		log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
		log.Infow("configuration loaded", "file", cfgFile, "command", cmd.Name())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "./configs/config.yaml", "config file path (empty: defaults and CHAT_* env only)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}
