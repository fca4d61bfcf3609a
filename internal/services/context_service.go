// internal/services/context_service.go
package services

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/StageTalkMCP/internal/models"
)

// 每个会话保留的最大历史条数
const maxHistoryPerSession = 200

// ContextService 维护按会话隔离的对话历史
// 历史是追加式的；编排引擎只读取，多调用策略在回合内部使用本地副本
type ContextService struct {
	sessions map[string][]models.ConversationMessage
	mutex    sync.RWMutex
}

// NewContextService 创建对话上下文服务
func NewContextService() *ContextService {
	return &ContextService{
		sessions: make(map[string][]models.ConversationMessage),
	}
}

// AddMessage 向会话历史追加一条消息
func (s *ContextService) AddMessage(sessionID, role, content, characterID string) models.ConversationMessage {
	message := models.ConversationMessage{
		ID:          uuid.NewString(),
		Role:        role,
		Content:     content,
		CharacterID: characterID,
		Timestamp:   time.Now(),
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	history := append(s.sessions[sessionID], message)

	// 超限时丢弃最旧的条目
	if len(history) > maxHistoryPerSession {
		history = history[len(history)-maxHistoryPerSession:]
	}
	s.sessions[sessionID] = history

	return message
}

// GetHistory 获取会话的完整历史拷贝
func (s *ContextService) GetHistory(sessionID string) []models.ConversationMessage {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	history := s.sessions[sessionID]
	copied := make([]models.ConversationMessage, len(history))
	copy(copied, history)
	return copied
}

// GetRecent 获取会话最近 n 条历史拷贝
func (s *ContextService) GetRecent(sessionID string, n int) []models.ConversationMessage {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	history := s.sessions[sessionID]
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}

	copied := make([]models.ConversationMessage, len(history))
	copy(copied, history)
	return copied
}

// LastAssistantSpeaker 返回会话中最后发言的角色ID
func (s *ContextService) LastAssistantSpeaker(sessionID string) string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	history := s.sessions[sessionID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant && history[i].CharacterID != "" {
			return history[i].CharacterID
		}
	}
	return ""
}

// ClearSession 清空会话历史
func (s *ContextService) ClearSession(sessionID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.sessions, sessionID)
}
