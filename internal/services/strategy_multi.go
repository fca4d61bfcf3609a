// internal/services/strategy_multi.go
package services

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/StageTalkMCP/internal/errors"
	"github.com/Corphon/StageTalkMCP/internal/models"
)

// Sleeper 可注入的延时函数，测试中替换为空实现
type Sleeper func(ctx context.Context, d time.Duration)

// defaultSleeper 尊重取消信号的真实延时
func defaultSleeper(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// MultiCallStrategy 为每个响应角色发起一次独立生成调用
// 调用刻意串行：后续角色的提示词要包含前一个角色刚生成的台词，顺序是正确性要求
// 相邻调用之间插入随机延时，模拟自然的轮流说话节奏
type MultiCallStrategy struct {
	generator Generator
	parser    *ParserService
	sleep     Sleeper
	rng       *rand.Rand
	mu        sync.Mutex
}

// NewMultiCallStrategy 创建多调用策略
func NewMultiCallStrategy(generator Generator, parser *ParserService, rng *rand.Rand) *MultiCallStrategy {
	return &MultiCallStrategy{
		generator: generator,
		parser:    parser,
		sleep:     defaultSleeper,
		rng:       rng,
	}
}

// SetSleeper 替换调用间延时实现（测试用）
func (s *MultiCallStrategy) SetSleeper(sleep Sleeper) {
	s.sleep = sleep
}

// Mode 返回策略模式标识
func (s *MultiCallStrategy) Mode() string {
	return models.ModeMultiCall
}

// Execute 按发言顺序串行生成每个角色的时间线，合并为一个场景
func (s *MultiCallStrategy) Execute(ctx context.Context, req *turnRequest) (*models.Scene, error) {
	// 回合内部的本地历史副本：让第二个角色"看到"第一个角色刚说的话
	// 该副本绝不能泄漏回调用方的正式历史
	localHistory := make([]models.ConversationMessage, len(req.History))
	copy(localHistory, req.History)

	scene := &models.Scene{
		Timelines:          make([]models.CharacterTimeline, 0, len(req.Responders)),
		NonSpeakerBehavior: make(map[string][]models.AnimationSegment),
	}

	offset := 0
	previousID := ""

	for i, responder := range req.Responders {
		if i > 0 {
			// 自然停顿：这是调度策略，不是资源等待
			s.sleep(ctx, s.staggerDelay(req))
			if ctx.Err() != nil {
				return nil, apperrors.NewStrategyFailureError(s.Mode(), ctx.Err())
			}
		}

		systemPrompt := s.buildCharacterPrompt(req, responder, localHistory)

		raw, err := s.generator.Generate(ctx,
			[]models.PromptMessage{{Role: models.RoleUser, Content: req.UserMessage}},
			systemPrompt,
			fmt.Sprintf("multi_call:%s:%s", req.SessionID, responder.ID),
		)
		if err != nil {
			return nil, apperrors.NewStrategyFailureError(s.Mode(), err)
		}

		partial := s.parser.ParseScene(raw, []string{responder.ID})
		if partial == nil || len(partial.Timelines) == 0 {
			return nil, apperrors.NewParseFailureError(
				fmt.Sprintf("角色 %s 的生成输出无法解析", responder.ID), nil)
		}

		timeline := partial.Timelines[0]
		timeline.CharacterID = responder.ID
		timeline.StartDelay = offset
		if i > 0 {
			timeline.Interrupts = req.Config.IncludeInterruptions
			timeline.ReactsTo = previousID
		} else {
			timeline.StartDelay = 0
		}

		scene.Timelines = append(scene.Timelines, timeline)
		offset = timeline.EndOffset()
		previousID = responder.ID

		// 把刚生成的台词追加到本地历史
		localHistory = append(localHistory, models.ConversationMessage{
			Role:        models.RoleAssistant,
			CharacterID: responder.ID,
			Content:     timeline.Content,
			Timestamp:   time.Now(),
		})
	}

	for _, tl := range scene.Timelines {
		if end := tl.EndOffset(); end > scene.SceneDuration {
			scene.SceneDuration = end
		}
	}

	return scene, nil
}

// buildCharacterPrompt 构建单个角色的生成提示词
func (s *MultiCallStrategy) buildCharacterPrompt(req *turnRequest, responder *models.CharacterProfile, localHistory []models.ConversationMessage) string {
	isEnglish := profilesLanguage(req.AllSelected)

	var prompt strings.Builder

	if isEnglish {
		prompt.WriteString(fmt.Sprintf("You will roleplay as the character \"%s\" (ID: %s) in a group conversation with a user.\n", responder.Name, responder.ID))
		prompt.WriteString(fmt.Sprintf("Character description: %s\n", responder.Description))
		if responder.Personality != "" {
			prompt.WriteString(fmt.Sprintf("Personality: %s\n", responder.Personality))
		}
		if responder.SpeechStyle != "" {
			prompt.WriteString(fmt.Sprintf("Speech style: %s\n", responder.SpeechStyle))
		}
		prompt.WriteString("\nStay in character at all times. Don't break the fourth wall or mention you're an AI.\n\n")
	} else {
		prompt.WriteString(fmt.Sprintf("你将扮演角色\"%s\"（ID: %s），与用户进行群组对话。\n", responder.Name, responder.ID))
		prompt.WriteString(fmt.Sprintf("角色描述：%s\n", responder.Description))
		if responder.Personality != "" {
			prompt.WriteString(fmt.Sprintf("性格：%s\n", responder.Personality))
		}
		if responder.SpeechStyle != "" {
			prompt.WriteString(fmt.Sprintf("说话风格：%s\n", responder.SpeechStyle))
		}
		prompt.WriteString("\n对话必须保持在角色内，不要打破第四面墙或提到你是AI。\n\n")
	}

	writeCharacterRoster(&prompt, req.AllSelected, req.Positions, isEnglish)
	writeRecentHistory(&prompt, recentWindow(localHistory, 12), nameIndex(req.AllSelected), isEnglish)

	if isEnglish {
		prompt.WriteString(fmt.Sprintf("Deliver exactly one line as %s, responding to the latest user message and to what other characters just said.\n", responder.Name))
		prompt.WriteString(fmt.Sprintf("Produce exactly one timeline, and its \"character\" field must be \"%s\".\n", responder.ID))
	} else {
		prompt.WriteString(fmt.Sprintf("以%s的身份说一句台词，回应用户的最新消息以及其他角色刚说的话。\n", responder.Name))
		prompt.WriteString(fmt.Sprintf("恰好产出一条时间线，其 \"character\" 字段必须是 \"%s\"。\n", responder.ID))
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

// staggerDelay 相邻生成调用之间的随机间隔
func (s *MultiCallStrategy) staggerDelay(req *turnRequest) time.Duration {
	min := req.Defaults.StaggerMinMs
	max := req.Defaults.StaggerMaxMs
	if max <= min {
		return time.Duration(min) * time.Millisecond
	}

	s.mu.Lock()
	ms := min + s.rng.Intn(max-min+1)
	s.mu.Unlock()

	return time.Duration(ms) * time.Millisecond
}
