// internal/api/handlers.go
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/StageTalkMCP/internal/config"
	apperrors "github.com/Corphon/StageTalkMCP/internal/errors"
	"github.com/Corphon/StageTalkMCP/internal/llm"
	"github.com/Corphon/StageTalkMCP/internal/models"
	"github.com/Corphon/StageTalkMCP/internal/services"
)

// Handler 处理API请求
type Handler struct {
	OrchestratorService *services.OrchestratorService // 编排路由服务
	IdleService         *services.IdleService         // 空闲编排服务
	CharacterService    *services.CharacterService    // 角色服务
	ContextService      *services.ContextService      // 上下文服务
	ConfigService       *services.ConfigService       // 配置服务
	LLMService          *services.LLMService          // 生成后端服务
	Response            *ResponseHelper               // 响应助手
}

// NewHandler 创建API处理器
func NewHandler(
	orchestrator *services.OrchestratorService,
	idle *services.IdleService,
	characters *services.CharacterService,
	contexts *services.ContextService,
	configSvc *services.ConfigService,
	llmSvc *services.LLMService,
) *Handler {
	return &Handler{
		OrchestratorService: orchestrator,
		IdleService:         idle,
		CharacterService:    characters,
		ContextService:      contexts,
		ConfigService:       configSvc,
		LLMService:          llmSvc,
		Response:            NewResponseHelper(),
	}
}

// ChatRequest 对话回合的请求结构
type ChatRequest struct {
	SessionID    string                      `json:"session_id"`    // 会话ID
	Message      string                      `json:"message"`       // 用户消息
	CharacterIDs []string                    `json:"character_ids"` // 在场角色ID列表
	Options      *models.OrchestrationConfig `json:"options"`       // 可选的编排覆盖参数
}

// IdleSceneRequest 空闲场景的请求结构
type IdleSceneRequest struct {
	SessionID    string   `json:"session_id"`
	CharacterIDs []string `json:"character_ids"`
	CycleNumber  int      `json:"cycle_number"`
}

// ========================================
// 对话编排
// ========================================

// Chat 处理一个对话回合：选择发言者、路由策略、返回多角色回应
func (h *Handler) Chat(c *gin.Context) {
	// 先用当前默认值预填充编排参数，客户端提交的字段覆盖在其上，
	// 未提交的字段保持默认值
	defaults := h.ConfigService.GetSettings().Orchestration
	req := ChatRequest{
		Options: &models.OrchestrationConfig{
			Mode:                 defaults.Mode,
			MaxResponders:        defaults.MaxResponders,
			IncludeGestures:      defaults.IncludeGestures,
			IncludeInterruptions: defaults.IncludeInterruptions,
			Verbosity:            defaults.Verbosity,
			FallbackEnabled:      defaults.FallbackEnabled,
		},
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		h.Response.BadRequest(c, "消息内容不能为空")
		return
	}
	if len(req.CharacterIDs) == 0 {
		h.Response.Error(c, http.StatusBadRequest, ErrorInsufficientCharacters,
			"至少需要选择一个角色")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}

	if !h.LLMService.IsReady() {
		h.Response.ServiceUnavailable(c, "生成后端未就绪", h.LLMService.GetReadyState())
		return
	}

	responses, err := h.OrchestratorService.GenerateHybridResponse(
		c.Request.Context(), req.SessionID, req.Message, req.CharacterIDs, req.Options)
	if err != nil {
		h.respondOrchestrationError(c, err)
		return
	}

	// 回合结束后重新武装空闲进入计时
	h.IdleService.ScheduleEnter(req.SessionID, req.CharacterIDs)

	h.Response.Success(c, gin.H{
		"session_id": req.SessionID,
		"responses":  responses,
	})
}

// respondOrchestrationError 把编排错误类型映射为HTTP错误响应
func (h *Handler) respondOrchestrationError(c *gin.Context, err error) {
	switch {
	case apperrors.IsValidationError(err):
		h.Response.Error(c, http.StatusBadRequest, ErrorInvalidOrchestration, err.Error())
	case apperrors.IsNotFoundError(err):
		h.Response.NotFound(c, "角色", err.Error())
	case apperrors.IsTotalFailure(err):
		h.Response.Error(c, http.StatusBadGateway, ErrorOrchestrationTotalFail,
			"生成策略全部失败", err.Error())
	default:
		h.Response.Error(c, http.StatusInternalServerError, ErrorOrchestrationFailed,
			"对话编排失败", err.Error())
	}
}

// ========================================
// 空闲编排
// ========================================

// GenerateIdleScene 立即生成一轮空闲闲聊场景
// 空闲生成对外永不报错：失败时返回脚本化兜底场景
func (h *Handler) GenerateIdleScene(c *gin.Context) {
	var req IdleSceneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if len(req.CharacterIDs) < 2 {
		h.Response.Error(c, http.StatusBadRequest, ErrorInsufficientCharacters,
			"空闲闲聊至少需要两个角色")
		return
	}

	scene := h.IdleService.GenerateIdleConversationScene(
		c.Request.Context(), req.CharacterIDs, req.CycleNumber)

	h.Response.Success(c, scene)
}

// ========================================
// 统计
// ========================================

// GetPerformanceStats 返回两种策略的性能统计
func (h *Handler) GetPerformanceStats(c *gin.Context) {
	h.Response.Success(c, h.OrchestratorService.GetPerformanceStats())
}

// ========================================
// 角色管理
// ========================================

// GetCharacters 获取全部角色档案
func (h *Handler) GetCharacters(c *gin.Context) {
	characters, err := h.CharacterService.ListCharacters()
	if err != nil {
		h.Response.InternalError(c, "加载角色列表失败", err.Error())
		return
	}
	h.Response.Success(c, characters)
}

// GetCharacter 获取单个角色档案
func (h *Handler) GetCharacter(c *gin.Context) {
	characterID := c.Param("id")
	if characterID == "" {
		h.Response.BadRequest(c, "缺少角色ID")
		return
	}

	character, err := h.CharacterService.GetCharacter(characterID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			h.Response.NotFound(c, "角色", characterID)
			return
		}
		h.Response.InternalError(c, "加载角色失败", err.Error())
		return
	}
	h.Response.Success(c, character)
}

// SaveCharacter 创建或更新角色档案
func (h *Handler) SaveCharacter(c *gin.Context) {
	var profile models.CharacterProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if err := h.CharacterService.SaveCharacter(&profile); err != nil {
		if apperrors.IsValidationError(err) {
			h.Response.Error(c, http.StatusBadRequest, ErrorCharacterInvalid, err.Error())
			return
		}
		h.Response.InternalError(c, "保存角色失败", err.Error())
		return
	}
	h.Response.Created(c, profile)
}

// ========================================
// 会话管理
// ========================================

// GetSessionHistory 获取会话的对话历史
func (h *Handler) GetSessionHistory(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		h.Response.BadRequest(c, "缺少会话ID")
		return
	}
	h.Response.Success(c, gin.H{
		"session_id": sessionID,
		"history":    h.ContextService.GetHistory(sessionID),
	})
}

// ClearSession 清空会话历史并退出空闲状态
func (h *Handler) ClearSession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		h.Response.BadRequest(c, "缺少会话ID")
		return
	}
	h.IdleService.Interrupt()
	h.ContextService.ClearSession(sessionID)
	h.Response.Success(c, nil, "会话已清空")
}

// ========================================
// 设置
// ========================================

// GetSettings 返回当前运行时设置（脱敏）
func (h *Handler) GetSettings(c *gin.Context) {
	cfg := h.ConfigService.GetSettings()

	llmConfig := make(map[string]string, len(cfg.LLMConfig))
	for k, v := range cfg.LLMConfig {
		if strings.Contains(strings.ToLower(k), "key") && v != "" {
			llmConfig[k] = "******"
			continue
		}
		llmConfig[k] = v
	}

	h.Response.Success(c, gin.H{
		"llm_provider":  cfg.LLMProvider,
		"llm_config":    llmConfig,
		"orchestration": cfg.Orchestration,
	})
}

// UpdateOrchestrationSettings 更新编排默认参数
// 客户端提交的字段覆盖在当前值之上，未提交的字段保持不变
func (h *Handler) UpdateOrchestrationSettings(c *gin.Context) {
	defaults := h.ConfigService.GetSettings().Orchestration
	if err := c.ShouldBindJSON(&defaults); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if err := h.ConfigService.UpdateOrchestration(defaults); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorSettingsInvalid, err.Error())
		return
	}
	h.Response.Success(c, defaults, "编排设置已更新")
}

// UpdateLLMConfigRequest 生成后端配置更新请求
type UpdateLLMConfigRequest struct {
	Provider string            `json:"provider"`
	Config   map[string]string `json:"config"`
}

// UpdateLLMConfig 切换生成后端
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req UpdateLLMConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if err := h.ConfigService.UpdateLLMProvider(req.Provider, req.Config); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorLLMConfigInvalid, err.Error())
		return
	}
	h.Response.Success(c, gin.H{
		"provider": req.Provider,
	}, "生成后端已更新")
}

// GetLLMStatus 返回生成后端状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"ready":     h.LLMService.IsReady(),
		"state":     h.LLMService.GetReadyState(),
		"provider":  h.LLMService.GetProviderName(),
		"available": llm.ListProviders(),
	})
}

// ========================================
// WebSocket 与健康检查
// ========================================

// SessionWebSocket 处理会话 WebSocket 连接
func (h *Handler) SessionWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		h.Response.BadRequest(c, "缺少会话ID")
		return
	}
	handleSessionSocket(c, sessionID, h.IdleService)
}

// GetWebSocketStatus 获取 WebSocket 连接状态（调试用）
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := sessionHub.Status()
	status["timestamp"] = time.Now().Format(time.RFC3339)
	c.JSON(http.StatusOK, status)
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	cfg := config.GetCurrentConfig()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"llm_ready":    h.LLMService.IsReady(),
		"llm_provider": cfg.LLMProvider,
		"timestamp":    time.Now().Format(time.RFC3339),
	})
}
