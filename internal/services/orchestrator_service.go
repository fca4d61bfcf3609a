// internal/services/orchestrator_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/StageTalkMCP/internal/config"
	apperrors "github.com/Corphon/StageTalkMCP/internal/errors"
	"github.com/Corphon/StageTalkMCP/internal/models"
	"github.com/Corphon/StageTalkMCP/internal/utils"
)

// ScenePublisher 把完成的场景推送给播放层
type ScenePublisher func(sessionID string, scene *models.Scene)

// IdleInterrupter 回合开始时同步取消空闲状态
type IdleInterrupter interface {
	Interrupt()
}

// OrchestratorService 混合编排路由
// 每回合在单调用与多调用策略间选择（固定模式或基于滚动指标的auto模式），
// 主策略失败时回退到另一策略，双重失败才对调用方暴露错误
type OrchestratorService struct {
	generator  Generator
	parser     *ParserService
	enforcer   *EnforcerService
	responder  *ResponderService
	tracker    *TrackerService
	characters *CharacterService
	contexts   *ContextService

	single *SingleCallStrategy
	multi  *MultiCallStrategy

	publisher ScenePublisher
	idle      IdleInterrupter
	hookMutex sync.RWMutex

	// 回合纪元：被新回合取代的旧回合结果必须丢弃，绝不应用到播放层
	turnEpoch atomic.Int64
}

// NewOrchestratorService 创建编排路由服务
func NewOrchestratorService(
	generator Generator,
	parser *ParserService,
	enforcer *EnforcerService,
	responder *ResponderService,
	tracker *TrackerService,
	characters *CharacterService,
	contexts *ContextService,
	single *SingleCallStrategy,
	multi *MultiCallStrategy,
) *OrchestratorService {
	return &OrchestratorService{
		generator:  generator,
		parser:     parser,
		enforcer:   enforcer,
		responder:  responder,
		tracker:    tracker,
		characters: characters,
		contexts:   contexts,
		single:     single,
		multi:      multi,
	}
}

// SetScenePublisher 注册场景推送回调
func (s *OrchestratorService) SetScenePublisher(publisher ScenePublisher) {
	s.hookMutex.Lock()
	defer s.hookMutex.Unlock()
	s.publisher = publisher
}

// SetIdleInterrupter 注册空闲中断器
func (s *OrchestratorService) SetIdleInterrupter(idle IdleInterrupter) {
	s.hookMutex.Lock()
	defer s.hookMutex.Unlock()
	s.idle = idle
}

// GenerateHybridResponse 处理一个实时对话回合
// 流程：选择发言者 → 选择策略 → 执行（失败回退）→ 不变式强制 → 推送场景 → 返回角色回应
func (s *OrchestratorService) GenerateHybridResponse(
	ctx context.Context,
	sessionID string,
	userMessage string,
	selectedIDs []string,
	override *models.OrchestrationConfig,
) ([]models.CharacterResponse, error) {
	if len(selectedIDs) == 0 {
		return nil, apperrors.NewValidationError("至少需要选择一个角色", nil)
	}
	if strings.TrimSpace(userMessage) == "" {
		return nil, apperrors.NewValidationError("用户消息不能为空", nil)
	}

	// 新回合开始：先同步取消全部空闲定时器，再做任何生成
	// 顺序要求：避免空闲姿势覆盖活跃的说话动画
	epoch := s.turnEpoch.Add(1)
	s.interruptIdle()

	defaults := config.GetCurrentConfig().Orchestration
	cfg := defaultsToConfig(defaults).Merge(override)

	profiles, err := s.characters.GetCharacters(selectedIDs)
	if err != nil {
		return nil, err
	}
	positions := s.characters.PositionHints(selectedIDs)

	history := s.contexts.GetHistory(sessionID)
	lastSpeaker := s.contexts.LastAssistantSpeaker(sessionID)

	responderIDs := s.responder.SelectResponders(selectedIDs, history, lastSpeaker, defaults)
	if cfg.MaxResponders > 0 && len(responderIDs) > cfg.MaxResponders {
		responderIDs = responderIDs[:cfg.MaxResponders]
	}

	responderProfiles := make([]*models.CharacterProfile, 0, len(responderIDs))
	for _, id := range responderIDs {
		for _, p := range profiles {
			if p.ID == id {
				responderProfiles = append(responderProfiles, p)
				break
			}
		}
	}

	req := &turnRequest{
		SessionID:   sessionID,
		UserMessage: userMessage,
		Responders:  responderProfiles,
		AllSelected: profiles,
		History:     history,
		Positions:   positions,
		Config:      cfg,
		Defaults:    defaults,
	}

	var scene *models.Scene
	if len(responderProfiles) == 1 {
		// 单发言者回合走简单直连路径，不经过策略路由
		scene, err = s.generateDirect(ctx, req)
	} else {
		scene, err = s.routeTurn(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	scene = s.enforcer.Enforce(scene, selectedIDs, positions)
	scene.ID = uuid.NewString()
	scene.CreatedAt = time.Now()

	responses := responsesFromScene(scene)

	// 正式历史由编排器在回合成功后统一追加
	s.contexts.AddMessage(sessionID, models.RoleUser, userMessage, "")
	for _, resp := range responses {
		s.contexts.AddMessage(sessionID, models.RoleAssistant, resp.Content, resp.CharacterID)
	}

	// 纪元检查：被更新的回合取代的结果不再推送
	if s.turnEpoch.Load() == epoch {
		s.publishScene(sessionID, scene)
	} else {
		utils.GetLogger().Info("回合已被取代，丢弃过期场景", map[string]interface{}{
			"session_id": sessionID,
			"scene_id":   scene.ID,
		})
	}

	return responses, nil
}

// routeTurn 多发言者回合的策略路由与回退
func (s *OrchestratorService) routeTurn(ctx context.Context, req *turnRequest) (*models.Scene, error) {
	primary, fallback := s.resolveStrategies(req)

	utils.GetLogger().Info("编排策略已选择", map[string]interface{}{
		"session_id": req.SessionID,
		"mode":       primary.Mode(),
		"responders": len(req.Responders),
	})

	scene, primaryErr := s.executeTracked(ctx, primary, req)
	if primaryErr == nil {
		return scene, nil
	}

	if !req.Config.FallbackEnabled {
		return nil, primaryErr
	}

	utils.GetLogger().Warn("主策略失败，尝试回退策略", map[string]interface{}{
		"session_id": req.SessionID,
		"primary":    primary.Mode(),
		"fallback":   fallback.Mode(),
		"error":      primaryErr.Error(),
	})

	scene, fallbackErr := s.executeTracked(ctx, fallback, req)
	if fallbackErr == nil {
		return scene, nil
	}

	// 双重失败：合并两个底层错误，一个错误对外
	return nil, apperrors.NewTotalFailureError(primary.Mode(), primaryErr, fallback.Mode(), fallbackErr)
}

// resolveStrategies 解析主策略与回退策略
// auto 模式：恰好2个发言者时总是偏向单调用（更便宜更简单）；
// 3个及以上时看单调用最近窗口内的滚动成功率，高于阈值用单调用，否则多调用。
// 无历史记录时按成功率1.0处理——乐观默认，冷启动不阻塞
func (s *OrchestratorService) resolveStrategies(req *turnRequest) (generationStrategy, generationStrategy) {
	mode := req.Config.Mode

	if mode == models.ModeAuto || mode == "" {
		if len(req.Responders) <= 2 {
			mode = models.ModeSingleCall
		} else {
			successRate := s.tracker.RollingSuccessRate(models.ModeSingleCall, req.Defaults.AutoWindowSize)
			if successRate > req.Defaults.AutoSuccessThreshold {
				mode = models.ModeSingleCall
			} else {
				mode = models.ModeMultiCall
			}
		}
	}

	if mode == models.ModeMultiCall {
		return s.multi, s.single
	}
	return s.single, s.multi
}

// executeTracked 执行策略并无条件记录度量（成功与失败都记录）
func (s *OrchestratorService) executeTracked(ctx context.Context, strategy generationStrategy, req *turnRequest) (*models.Scene, error) {
	start := time.Now()
	scene, err := strategy.Execute(ctx, req)
	latency := time.Since(start).Milliseconds()

	metric := models.StrategyMetric{
		ID:             uuid.NewString(),
		Mode:           strategy.Mode(),
		LatencyMs:      latency,
		CharacterCount: len(req.Responders),
		Success:        err == nil,
		Timestamp:      time.Now(),
	}
	if scene != nil {
		metric.ResponseCount = len(scene.Timelines)
	}
	if err != nil {
		metric.Error = err.Error()
	}
	s.tracker.Record(metric)

	return scene, err
}

// generateDirect 单发言者的直连生成路径
// 不要求JSON契约：拿纯文本台词，本地合成单时间线场景
func (s *OrchestratorService) generateDirect(ctx context.Context, req *turnRequest) (*models.Scene, error) {
	responder := req.Responders[0]
	isEnglish := profilesLanguage(req.AllSelected)

	var prompt strings.Builder
	if isEnglish {
		prompt.WriteString(fmt.Sprintf("You will roleplay as the character \"%s\" talking with a user.\n", responder.Name))
		prompt.WriteString(fmt.Sprintf("Character description: %s\n", responder.Description))
		if responder.Personality != "" {
			prompt.WriteString(fmt.Sprintf("Personality: %s\n", responder.Personality))
		}
		prompt.WriteString("\nStay in character at all times. Don't break the fourth wall or mention you're an AI.\n")
		prompt.WriteString("Reply with the spoken line only, no name prefix, no stage directions.\n\n")
	} else {
		prompt.WriteString(fmt.Sprintf("你将扮演角色\"%s\"与用户对话。\n", responder.Name))
		prompt.WriteString(fmt.Sprintf("角色描述：%s\n", responder.Description))
		if responder.Personality != "" {
			prompt.WriteString(fmt.Sprintf("性格：%s\n", responder.Personality))
		}
		prompt.WriteString("\n对话必须保持在角色内，不要打破第四面墙或提到你是AI。\n")
		prompt.WriteString("只回复台词本身，不要名字前缀，不要舞台说明。\n\n")
	}

	writeRecentHistory(&prompt, recentWindow(req.History, 10), nameIndex(req.AllSelected), isEnglish)

	raw, err := s.generator.Generate(ctx,
		[]models.PromptMessage{{Role: models.RoleUser, Content: req.UserMessage}},
		prompt.String(),
		"direct:"+req.SessionID,
	)
	if err != nil {
		return nil, apperrors.NewProcessingError("直连生成失败", err)
	}

	content := stripNamePrefix(strings.TrimSpace(raw))
	if content == "" {
		return nil, apperrors.NewProcessingError("直连生成返回空内容", nil)
	}

	timeline := s.parser.buildTimeline(responder.ID, content, 0, nil)

	return &models.Scene{
		Timelines:          []models.CharacterTimeline{timeline},
		SceneDuration:      timeline.EndOffset(),
		NonSpeakerBehavior: make(map[string][]models.AnimationSegment),
	}, nil
}

// GetPerformanceStats 返回两种策略的聚合统计
func (s *OrchestratorService) GetPerformanceStats() models.PerformanceStats {
	return s.tracker.Stats()
}

func (s *OrchestratorService) interruptIdle() {
	s.hookMutex.RLock()
	idle := s.idle
	s.hookMutex.RUnlock()

	if idle != nil {
		idle.Interrupt()
	}
}

func (s *OrchestratorService) publishScene(sessionID string, scene *models.Scene) {
	s.hookMutex.RLock()
	publisher := s.publisher
	s.hookMutex.RUnlock()

	if publisher != nil {
		publisher(sessionID, scene)
	}
}

// defaultsToConfig 把进程级默认参数转换为调用级配置
func defaultsToConfig(defaults config.OrchestrationDefaults) models.OrchestrationConfig {
	return models.OrchestrationConfig{
		Mode:                 defaults.Mode,
		MaxResponders:        defaults.MaxResponders,
		IncludeGestures:      defaults.IncludeGestures,
		IncludeInterruptions: defaults.IncludeInterruptions,
		Verbosity:            defaults.Verbosity,
		FallbackEnabled:      defaults.FallbackEnabled,
	}
}

// responsesFromScene 从场景时间线提取角色文本回应
func responsesFromScene(scene *models.Scene) []models.CharacterResponse {
	responses := make([]models.CharacterResponse, 0, len(scene.Timelines))
	for _, tl := range scene.Timelines {
		responses = append(responses, models.CharacterResponse{
			CharacterID:    tl.CharacterID,
			Content:        tl.Content,
			IsInterruption: tl.Interrupts,
			IsReaction:     !tl.Interrupts && tl.ReactsTo != "",
			ReactsTo:       tl.ReactsTo,
		})
	}
	return responses
}
