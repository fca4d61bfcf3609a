// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/StageTalkMCP/internal/config"
	"github.com/Corphon/StageTalkMCP/internal/di"
	"github.com/Corphon/StageTalkMCP/internal/services"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()

	// 获取依赖注入容器
	container := di.GetContainer()

	// 只从容器获取服务，不再创建新实例
	orchestratorService, ok := container.Get("orchestrator").(*services.OrchestratorService)
	if !ok {
		return nil, fmt.Errorf("编排服务未正确初始化")
	}

	idleService, ok := container.Get("idle").(*services.IdleService)
	if !ok {
		return nil, fmt.Errorf("空闲服务未正确初始化")
	}

	characterService, ok := container.Get("character").(*services.CharacterService)
	if !ok {
		return nil, fmt.Errorf("角色服务未正确初始化")
	}

	contextService, ok := container.Get("context").(*services.ContextService)
	if !ok {
		return nil, fmt.Errorf("上下文服务未正确初始化")
	}

	configService, ok := container.Get("config").(*services.ConfigService)
	if !ok {
		return nil, fmt.Errorf("配置服务未正确初始化")
	}

	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		return nil, fmt.Errorf("生成后端服务未正确初始化")
	}

	handler := NewHandler(
		orchestratorService,
		idleService,
		characterService,
		contextService,
		configService,
		llmService,
	)

	// 场景与姿势经 WebSocket 推送给播放层
	orchestratorService.SetScenePublisher(sessionHub.PushScene)
	orchestratorService.SetIdleInterrupter(idleService)
	idleService.SetSceneSink(sessionHub.PushScene)
	idleService.SetPoseSink(sessionHub.PushPose)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(ObservabilityMiddleware())
	r.Use(corsMiddleware())

	// 健康检查
	r.GET("/health", handler.HealthCheck)

	// WebSocket 支持
	r.GET("/ws/session/:id", handler.SessionWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		// 对话编排
		api.POST("/chat", ChatRateLimit(), handler.Chat)

		// 空闲编排
		api.POST("/idle/scene", handler.GenerateIdleScene)

		// 策略性能统计
		api.GET("/stats", handler.GetPerformanceStats)

		// 角色管理
		charactersGroup := api.Group("/characters")
		{
			charactersGroup.GET("", handler.GetCharacters)
			charactersGroup.POST("", handler.SaveCharacter)
			charactersGroup.GET("/:id", handler.GetCharacter)
		}

		// 会话管理
		sessionsGroup := api.Group("/sessions")
		{
			sessionsGroup.GET("/:id/history", handler.GetSessionHistory)
			sessionsGroup.DELETE("/:id", handler.ClearSession)
		}

		// 设置
		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("", handler.GetSettings)
			settingsGroup.PUT("", handler.UpdateOrchestrationSettings)
		}

		// LLM配置
		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.PUT("/config", handler.UpdateLLMConfig)
		}

		// WebSocket 状态（调试用）
		api.GET("/ws/status", handler.GetWebSocketStatus)
	}

	return r, nil
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
