// internal/models/character.go
package models

import "time"

// CharacterProfile 表示一个可对话的动画角色
// 由角色注册表拥有，编排引擎只读不写
type CharacterProfile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Personality  string    `json:"personality,omitempty"`
	SpeechStyle  string    `json:"speech_style,omitempty"`
	PositionHint string    `json:"position_hint,omitempty"` // left / center / right，由选择顺序推导
	ImageURL     string    `json:"image_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
}

// 消息角色常量
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ConversationMessage 表示对话历史中的一条消息
// 历史记录由调用方拥有，编排引擎按引用读取，不得修改
type ConversationMessage struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"` // user / assistant
	Content     string    `json:"content"`
	CharacterID string    `json:"character_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PromptMessage 发送给生成后端的标准消息格式
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CharacterResponse 表示一个角色对当前回合的文本回应
type CharacterResponse struct {
	CharacterID    string `json:"character_id"`
	Content        string `json:"content"`
	IsInterruption bool   `json:"is_interruption"`
	IsReaction     bool   `json:"is_reaction"`
	ReactsTo       string `json:"reacts_to,omitempty"`
}

// 回复详细程度
const (
	VerbosityBrief    = "brief"
	VerbosityBalanced = "balanced"
	VerbosityDetailed = "detailed"
)

// 策略模式
const (
	ModeSingleCall = "single_call"
	ModeMultiCall  = "multi_call"
	ModeAuto       = "auto"
)

// OrchestrationConfig 单次调用的编排配置
// 值对象：按调用传递，调用期间不可变；全局默认值可按调用浅合并覆盖
type OrchestrationConfig struct {
	Mode                 string `json:"mode,omitempty"` // single_call / multi_call / auto
	MaxResponders        int    `json:"max_responders,omitempty"`
	IncludeGestures      bool   `json:"include_gestures"`
	IncludeInterruptions bool   `json:"include_interruptions"`
	Verbosity            string `json:"verbosity,omitempty"` // brief / balanced / detailed
	FallbackEnabled      bool   `json:"fallback_enabled"`
}

// Merge 返回以全局默认值为底、覆盖值非零字段优先的新配置
func (c OrchestrationConfig) Merge(override *OrchestrationConfig) OrchestrationConfig {
	if override == nil {
		return c
	}

	merged := c
	if override.Mode != "" {
		merged.Mode = override.Mode
	}
	if override.MaxResponders > 0 {
		merged.MaxResponders = override.MaxResponders
	}
	if override.Verbosity != "" {
		merged.Verbosity = override.Verbosity
	}
	merged.IncludeGestures = override.IncludeGestures
	merged.IncludeInterruptions = override.IncludeInterruptions
	merged.FallbackEnabled = override.FallbackEnabled

	return merged
}
