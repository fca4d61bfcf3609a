// internal/app/app.go
package app

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/Corphon/StageTalkMCP/internal/config"
	"github.com/Corphon/StageTalkMCP/internal/di"
	"github.com/Corphon/StageTalkMCP/internal/services"
	"github.com/Corphon/StageTalkMCP/internal/storage"
	"github.com/Corphon/StageTalkMCP/internal/utils"

	// 提供者通过 init() 自注册，必须显式挂载进导入图
	_ "github.com/Corphon/StageTalkMCP/internal/llm/providers/openai"
)

// InitServices 按依赖顺序初始化所有服务并注册到容器
// 顺序要求：生成后端与存储最先，策略与编排器依赖它们，空闲服务最后
func InitServices() error {
	container := di.GetContainer()
	cfg := config.GetCurrentConfig()

	// 1. 生成后端服务
	var llmService *services.LLMService
	if cfg.LLMProvider != "" && cfg.LLMConfig["api_key"] != "" {
		svc, err := services.NewLLMService(cfg.LLMProvider, cfg.LLMConfig)
		if err != nil {
			utils.GetLogger().Warn("生成后端初始化失败，使用空服务", map[string]interface{}{
				"provider": cfg.LLMProvider,
				"error":    err.Error(),
			})
			llmService = services.NewEmptyLLMService()
		} else {
			llmService = svc
		}
	} else {
		llmService = services.NewEmptyLLMService()
	}
	container.Register("llm", llmService)

	// 2. 存储与角色服务
	fileStorage, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化文件存储失败: %w", err)
	}
	container.Register("storage", fileStorage)

	characterService := services.NewCharacterService(fileStorage)
	container.Register("character", characterService)

	// 3. 无依赖的基础服务
	contextService := services.NewContextService()
	container.Register("context", contextService)

	trackerService := services.NewTrackerService()
	container.Register("tracker", trackerService)

	parserService := services.NewParserService()
	container.Register("parser", parserService)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	enforcerService := services.NewEnforcerService(rng)
	container.Register("enforcer", enforcerService)

	responderService := services.NewResponderService(rand.New(rand.NewSource(time.Now().UnixNano())))
	container.Register("responder", responderService)

	configService := services.NewConfigService(llmService)
	container.Register("config", configService)

	// 4. 生成策略与编排路由
	singleStrategy := services.NewSingleCallStrategy(llmService, parserService)
	multiStrategy := services.NewMultiCallStrategy(llmService, parserService,
		rand.New(rand.NewSource(time.Now().UnixNano())))

	orchestratorService := services.NewOrchestratorService(
		llmService,
		parserService,
		enforcerService,
		responderService,
		trackerService,
		characterService,
		contextService,
		singleStrategy,
		multiStrategy,
	)
	container.Register("orchestrator", orchestratorService)

	// 5. 空闲编排（最后注册，编排器回合开始时会中断它）
	idleService := services.NewIdleService(llmService, parserService, enforcerService, characterService)
	container.Register("idle", idleService)
	orchestratorService.SetIdleInterrupter(idleService)

	utils.GetLogger().Info("服务初始化完成", map[string]interface{}{
		"services": container.GetNames(),
		"provider": llmService.GetProviderName(),
	})
	return nil
}

// Shutdown 停止后台活动并释放资源
func Shutdown() {
	container := di.GetContainer()

	if idle, ok := container.Get("idle").(*services.IdleService); ok && idle != nil {
		idle.Interrupt()
	}

	utils.GetLogger().Info("应用已关闭", nil)
	utils.GetLogger().Close()
}
