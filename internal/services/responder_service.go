// internal/services/responder_service.go
package services

import (
	"math/rand"
	"sync"

	"github.com/Corphon/StageTalkMCP/internal/config"
	"github.com/Corphon/StageTalkMCP/internal/models"
)

// 单回合最多响应角色数
const maxRespondersPerTurn = 3

// ResponderService 决定当前回合由哪些角色生成台词
// 控制流是刻意随机化的；随机源可注入，便于测试使用固定种子
type ResponderService struct {
	rng *rand.Rand
	mu  sync.Mutex
}

// NewResponderService 创建发言者选择服务
func NewResponderService(rng *rand.Rand) *ResponderService {
	return &ResponderService{rng: rng}
}

// SelectResponders 选择本回合的发言角色
// 返回非空、长度不超过3、且是 selectedIDs 子集的角色ID列表
func (s *ResponderService) SelectResponders(selectedIDs []string, history []models.ConversationMessage, lastSpeaker string, defaults config.OrchestrationDefaults) []string {
	if len(selectedIDs) == 0 {
		return nil
	}

	// 单角色快速路径
	if len(selectedIDs) == 1 {
		return []string{selectedIDs[0]}
	}

	assistantMessages := collectAssistantMessages(history)

	// 首个助手回合：均匀随机选一个角色开场
	if len(assistantMessages) == 0 {
		return []string{selectedIDs[s.intn(len(selectedIDs))]}
	}

	responders := make([]string, 0, maxRespondersPerTurn)
	for _, id := range selectedIDs {
		var chance float64
		switch {
		case id == lastSpeaker:
			// 上一个发言者只以较低概率继续
			chance = defaults.ContinuationChance
		case len(assistantMessages) >= defaults.MinMessagesBefore:
			chance = defaults.InterruptionChance
		default:
			chance = defaults.ReactionChance
		}

		if s.float64() < chance {
			responders = append(responders, id)
		}
	}

	// 本轮没有任何角色通过概率筛选时，强制选择一个
	// 公平性优先：偏向最近3条助手消息中没有出现过的角色
	if len(responders) == 0 {
		responders = append(responders, s.pickForced(selectedIDs, assistantMessages))
	}

	if len(responders) > maxRespondersPerTurn {
		responders = responders[:maxRespondersPerTurn]
	}

	return responders
}

// pickForced 强制选择一个发言者
func (s *ResponderService) pickForced(selectedIDs []string, assistantMessages []models.ConversationMessage) string {
	recentSpeakers := make(map[string]bool, 3)
	start := len(assistantMessages) - 3
	if start < 0 {
		start = 0
	}
	for _, msg := range assistantMessages[start:] {
		if msg.CharacterID != "" {
			recentSpeakers[msg.CharacterID] = true
		}
	}

	quiet := make([]string, 0, len(selectedIDs))
	for _, id := range selectedIDs {
		if !recentSpeakers[id] {
			quiet = append(quiet, id)
		}
	}

	if len(quiet) > 0 {
		return quiet[s.intn(len(quiet))]
	}

	// 所有角色最近都发过言，回退到均匀随机
	return selectedIDs[s.intn(len(selectedIDs))]
}

func collectAssistantMessages(history []models.ConversationMessage) []models.ConversationMessage {
	messages := make([]models.ConversationMessage, 0, len(history))
	for _, msg := range history {
		if msg.Role == models.RoleAssistant {
			messages = append(messages, msg)
		}
	}
	return messages
}

func (s *ResponderService) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

func (s *ResponderService) float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}
