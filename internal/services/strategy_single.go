// internal/services/strategy_single.go
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/Corphon/StageTalkMCP/internal/config"
	apperrors "github.com/Corphon/StageTalkMCP/internal/errors"
	"github.com/Corphon/StageTalkMCP/internal/models"
)

// turnRequest 一个编排回合的全部输入
type turnRequest struct {
	SessionID   string
	UserMessage string
	Responders  []*models.CharacterProfile
	AllSelected []*models.CharacterProfile
	History     []models.ConversationMessage
	Positions   map[string]string
	Config      models.OrchestrationConfig
	Defaults    config.OrchestrationDefaults
}

// generationStrategy 获取多角色场景的一种策略
type generationStrategy interface {
	Mode() string
	Execute(ctx context.Context, req *turnRequest) (*models.Scene, error)
}

// SingleCallStrategy 在一次聚合生成调用中产出完整的多角色场景
type SingleCallStrategy struct {
	generator Generator
	parser    *ParserService
}

// NewSingleCallStrategy 创建单调用策略
func NewSingleCallStrategy(generator Generator, parser *ParserService) *SingleCallStrategy {
	return &SingleCallStrategy{generator: generator, parser: parser}
}

// Mode 返回策略模式标识
func (s *SingleCallStrategy) Mode() string {
	return models.ModeSingleCall
}

// Execute 构建聚合提示词，一次调用生成全部角色的时间线
func (s *SingleCallStrategy) Execute(ctx context.Context, req *turnRequest) (*models.Scene, error) {
	systemPrompt := s.buildScenePrompt(req)

	raw, err := s.generator.Generate(ctx,
		[]models.PromptMessage{{Role: models.RoleUser, Content: req.UserMessage}},
		systemPrompt,
		"single_call:"+req.SessionID,
	)
	if err != nil {
		return nil, apperrors.NewStrategyFailureError(s.Mode(), err)
	}

	scene := s.parser.ParseScene(raw, responderIDs(req.Responders))
	if scene == nil {
		return nil, apperrors.NewParseFailureError("聚合生成输出无法解析为场景", nil)
	}

	return scene, nil
}

// buildScenePrompt 构建聚合场景提示词
func (s *SingleCallStrategy) buildScenePrompt(req *turnRequest) string {
	isEnglish := profilesLanguage(req.AllSelected)

	var prompt strings.Builder

	if isEnglish {
		prompt.WriteString("You are directing a scene of animated characters talking with a user. ")
		prompt.WriteString("Write the next exchange: each responding character delivers one line, reacting to the user and to each other in order.\n\n")
	} else {
		prompt.WriteString("你正在导演一个动画角色与用户对话的场景。")
		prompt.WriteString("请写出下一轮交流：每个响应角色说一句台词，按顺序回应用户以及彼此。\n\n")
	}

	writeCharacterRoster(&prompt, req.AllSelected, req.Positions, isEnglish)
	writeRecentHistory(&prompt, recentWindow(req.History, 10), nameIndex(req.AllSelected), isEnglish)

	ids := responderIDs(req.Responders)
	if isEnglish {
		prompt.WriteString(fmt.Sprintf("Characters that must respond this turn, in speaking order: %s\n", strings.Join(ids, ", ")))
		prompt.WriteString("Produce exactly one timeline per responding character. Later speakers should acknowledge what earlier speakers just said.\n")
	} else {
		prompt.WriteString(fmt.Sprintf("本回合必须响应的角色（按发言顺序）: %s\n", strings.Join(ids, ", ")))
		prompt.WriteString("每个响应角色恰好产出一条时间线。后发言的角色应当回应先发言角色刚说的话。\n")
	}

	if req.Config.IncludeInterruptions && len(ids) > 1 {
		if isEnglish {
			prompt.WriteString("Characters may interrupt or talk over each other when it fits their personality.\n")
		} else {
			prompt.WriteString("角色可以在符合性格的情况下互相插话。\n")
		}
	}

	if req.Config.IncludeGestures {
		if isEnglish {
			prompt.WriteString("Use expressive gesture and facial segments, not just talking animations.\n")
		} else {
			prompt.WriteString("使用富有表现力的手势和面部片段，不要只用说话动画。\n")
		}
	}

	prompt.WriteString(verbosityHint(req.Config.Verbosity, isEnglish))
	prompt.WriteString("\n\n")

	writeSceneSchema(&prompt, isEnglish)

	return prompt.String()
}

func responderIDs(profiles []*models.CharacterProfile) []string {
	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.ID)
	}
	return ids
}

func nameIndex(profiles []*models.CharacterProfile) map[string]string {
	names := make(map[string]string, len(profiles))
	for _, p := range profiles {
		names[p.ID] = p.Name
	}
	return names
}

func recentWindow(history []models.ConversationMessage, n int) []models.ConversationMessage {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
