package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ollama-chat-go/internal/config"
	"ollama-chat-go/internal/model"
	"ollama-chat-go/pkg/database"
	"ollama-chat-go/pkg/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		database.InitMySQL(config.Conf.Database.MySQL.DSN, config.Conf.Database.MySQL.LogSQL)
		if err := database.AutoMigrate(&model.User{}, &model.Conversation{}, &model.Message{}); err != nil {
			return fmt.Errorf("数据库迁移失败: %w", err)
		}
		log.Info("数据库迁移完成")
		return nil
	},
}
