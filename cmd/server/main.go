// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"archive-chat-go/internal/config"
	"archive-chat-go/internal/handler"
	"archive-chat-go/internal/middleware"
	"archive-chat-go/internal/model"
	"archive-chat-go/internal/pipeline"
	"archive-chat-go/internal/repository"
	"archive-chat-go/internal/service"
	"archive-chat-go/internal/tools"
	"archive-chat-go/pkg/database"
	"archive-chat-go/pkg/embedding"
	"archive-chat-go/pkg/es"
	"archive-chat-go/pkg/kafka"
	"archive-chat-go/pkg/llm"
	"archive-chat-go/pkg/log"
	"archive-chat-go/pkg/storage"
	"archive-chat-go/pkg/tika"
	"archive-chat-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储与检索索引
	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.DB.AutoMigrate(&model.Document{}); err != nil {
		log.Fatalf("documents 表迁移失败: %v", err)
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducers(cfg.Kafka)

	// 4. 初始化 Repository
	messageRepo := repository.NewMessageRepository(database.RDB)
	convLogRepo := repository.NewConvLogRepository(database.RDB)
	docRepo := repository.NewDocumentRepository(database.DB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret)
	tikaClient := tika.NewClient(cfg.Tika)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	searchService := service.NewSearchService(embeddingClient, es.ESClient, cfg.Elasticsearch.IndexName)
	objectService := service.NewObjectService(tikaClient, docRepo, cfg.MinIO, cfg.Elasticsearch)
	analyticsService := service.NewAnalyticsService(convLogRepo)

	caps := tools.Capabilities{
		Search:       searchService,
		Objects:      objectService,
		Documents:    docRepo,
		CollectionID: cfg.Chat.DefaultCollection,
	}
	engine := service.NewReconcileEngine(tools.DefaultCatalog(), caps)
	turnService := service.NewTurnService(messageRepo, engine, llmClient, analyticsService)

	// 6. 初始化文档入库管道并启动后台 Kafka 消费者
	processor := pipeline.NewProcessor(
		tikaClient,
		embeddingClient,
		docRepo,
		cfg.Elasticsearch,
		cfg.MinIO,
		cfg.Embedding,
	)
	go kafka.StartIngestConsumer(cfg.Kafka, processor)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	chatHandler := handler.NewChatHandler(turnService)
	analyticsHandler := handler.NewAnalyticsHandler(analyticsService)
	transcriptHandler := handler.NewTranscriptHandler(messageRepo, docRepo)
	searchHandler := handler.NewSearchHandler(searchService)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.OptionalAuth(jwtManager))
	{
		chatGroup := apiV1.Group("/chat")
		{
			chatGroup.GET("/websocket-token", chatHandler.GetWebsocketStopToken)
		}

		analytics := apiV1.Group("/analytics")
		{
			analytics.POST("/feedback", analyticsHandler.Feedback)
			analytics.POST("/document-click", analyticsHandler.DocumentClick)
		}

		conversations := apiV1.Group("/conversations")
		{
			conversations.GET("/:conversation/transcript", transcriptHandler.Export)
		}

		search := apiV1.Group("/search")
		{
			search.GET("", searchHandler.Search)
		}

		documents := apiV1.Group("/documents")
		{
			documentHandler := handler.NewDocumentHandler()
			documents.POST("/ingest", documentHandler.Ingest)
			documents.POST("/upload", documentHandler.Upload)
			documents.GET("/download", documentHandler.Download)
		}
	}
	// Chat 路由 (WebSocket)，路径参数是 base64 编码的会话标识
	r.GET("/chat/:conversation", middleware.OptionalAuth(jwtManager), chatHandler.Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	log.Info("服务已退出")
}
