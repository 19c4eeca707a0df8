package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"ollama-chat-go/internal/config"
	"ollama-chat-go/internal/handler"
	"ollama-chat-go/internal/model"
	"ollama-chat-go/internal/pipeline"
	"ollama-chat-go/internal/repository"
	"ollama-chat-go/internal/service"
	"ollama-chat-go/pkg/database"
	"ollama-chat-go/pkg/es"
	"ollama-chat-go/pkg/kafka"
	"ollama-chat-go/pkg/llm"
	"ollama-chat-go/pkg/log"
	"ollama-chat-go/pkg/storage"
	"ollama-chat-go/pkg/tasks"
	"ollama-chat-go/pkg/token"
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(config.Conf)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", true, "run database migrations before serving")
}

// directPublisher 在没有 Kafka 时同步写入搜索索引。
type directPublisher struct {
	processor *pipeline.Processor
}

func (p directPublisher) PublishExchange(ctx context.Context, task tasks.ExchangeIndexTask) error {
	return p.processor.Process(ctx, task)
}

func runServe(cfg config.Config) error {
	if cfg.JWT.Secret == "" {
		return errors.New("jwt.secret must be set (CHAT_JWT_SECRET)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN, cfg.Database.MySQL.LogSQL)
	if autoMigrate {
		if err := database.AutoMigrate(&model.User{}, &model.Conversation{}, &model.Message{}); err != nil {
			return fmt.Errorf("数据库迁移失败: %w", err)
		}
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	// 2. 可选组件：未配置时对应功能降级
	var (
		searcher   service.MessageSearcher
		index      service.ConversationIndex
		store      service.TranscriptStore
		publisher  service.ExchangePublisher
		processor  *pipeline.Processor
		consumerWG sync.WaitGroup
	)
	if cfg.Elasticsearch.Addresses != "" {
		msgIndex, err := es.InitES(cfg.Elasticsearch)
		if err != nil {
			return fmt.Errorf("es 初始化失败: %w", err)
		}
		searcher, index = msgIndex, msgIndex
		processor = pipeline.NewProcessor(msgIndex)
		publisher = directPublisher{processor: processor}
	}
	if cfg.MinIO.Endpoint != "" {
		minioStore, err := storage.InitMinIO(ctx, cfg.MinIO)
		if err != nil {
			return fmt.Errorf("minio 初始化失败: %w", err)
		}
		store = minioStore
	}
	if cfg.Kafka.Brokers != "" && processor != nil {
		producer := kafka.NewProducer(cfg.Kafka)
		defer func() {
			if err := producer.Close(); err != nil {
				log.Error("关闭 Kafka 生产者失败", err)
			}
		}()
		publisher = producer

		// 启动后台 Kafka 消费者，ctx 取消时退出
		consumerWG.Add(1)
		go func() {
			defer consumerWG.Done()
			kafka.StartConsumer(ctx, cfg.Kafka, processor, database.RDB)
		}()
	}

	// 3. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	convRepo := repository.NewConversationRepository(database.DB)
	sessionStore := repository.NewRedisSessionStore(database.RDB, 2*cfg.Chat.MaxTurns, cfg.Session.TTL)
	blacklist := repository.NewTokenBlacklist(database.RDB)

	// 4. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	userService := service.NewUserService(userRepo, blacklist, jwtManager)
	conversationService := service.NewConversationService(convRepo, index, cfg.Chat.TitleMaxLen)
	chatService := service.NewChatService(llm.NewClient(cfg.LLM), convRepo, sessionStore, publisher, service.ChatOptions{
		MaxTurns:       cfg.Chat.MaxTurns,
		DefaultTone:    cfg.Chat.DefaultTone,
		TitleMaxLen:    cfg.Chat.TitleMaxLen,
		FragmentBuffer: cfg.Chat.FragmentBuffer,
	})

	// 5. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(cfg, handler.Services{
		User:         userService,
		Chat:         chatService,
		Conversation: conversationService,
		Search:       service.NewSearchService(searcher, convRepo),
		Export:       service.NewExportService(conversationService, store, cfg.MinIO.URLExpiry),
	}, handler.NewHealthHandler(database.DB, database.RDB))

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("服务启动于 %s, 模型 %s @ %s", srv.Addr, cfg.LLM.Model, cfg.LLM.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTP 服务监听失败: %w", err)
		}
	case <-ctx.Done():
		log.Info("接收到停机信号，正在关闭服务...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP 服务器关闭失败: %w", err)
	}

	stop()
	consumerWG.Wait()
	log.Info("服务已优雅关闭")
	return nil
}
