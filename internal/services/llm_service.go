// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/StageTalkMCP/internal/llm"
	"github.com/Corphon/StageTalkMCP/internal/models"
	"github.com/Corphon/StageTalkMCP/internal/utils"
)

// Generator 生成后端的最小接口
// 编排路由、策略和空闲编排器都只依赖这一接口，测试中用桩替换
type Generator interface {
	Generate(ctx context.Context, messages []models.PromptMessage, systemPrompt string, callerID string) (string, error)
}

// LLMService 封装具体的生成后端提供者
// 负责提供者热切换、请求格式转换和短期响应缓存
type LLMService struct {
	provider      llm.Provider
	providerName  string
	providerMutex sync.RWMutex
	isReady       bool
	readyState    string

	cache *llmCache
}

// llmCache 进程内短期响应缓存
type llmCache struct {
	entries    map[string]cacheEntry
	mutex      sync.RWMutex
	expiry     time.Duration
	maxEntries int
}

type cacheEntry struct {
	text      string
	timestamp time.Time
}

// NewLLMService 根据配置创建生成服务
func NewLLMService(providerName string, providerConfig map[string]string) (*LLMService, error) {
	service := newBaseLLMService()

	if providerName == "" || providerConfig["api_key"] == "" {
		service.readyState = "未配置生成后端"
		return service, nil
	}

	if err := service.UpdateProvider(providerName, providerConfig); err != nil {
		return nil, err
	}

	return service, nil
}

// NewEmptyLLMService 创建未配置提供者的空服务
// 用于测试和后端未配置时的启动路径
func NewEmptyLLMService() *LLMService {
	service := newBaseLLMService()
	service.readyState = "未配置生成后端"
	return service
}

func newBaseLLMService() *LLMService {
	return &LLMService{
		cache: &llmCache{
			entries:    make(map[string]cacheEntry),
			expiry:     5 * time.Minute,
			maxEntries: 100,
		},
	}
}

// IsReady 检查服务是否可用
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.isReady && s.provider != nil
}

// GetReadyState 获取服务状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	if s.isReady {
		return "ready"
	}
	return s.readyState
}

// GetProviderName 获取当前提供者名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// UpdateProvider 运行时切换生成后端提供者
func (s *LLMService) UpdateProvider(providerName string, providerConfig map[string]string) error {
	provider, err := llm.GetProvider(providerName, providerConfig)
	if err != nil {
		return fmt.Errorf("初始化提供者 %s 失败: %w", providerName, err)
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = providerName
	s.isReady = true
	s.readyState = "ready"

	utils.GetLogger().Info("生成后端提供者已更新", map[string]interface{}{
		"provider": providerName,
	})

	return nil
}

// Generate 调用生成后端，返回原始文本
// messages 中的 system 角色消息会并入系统提示，assistant 消息并入对话历史
func (s *LLMService) Generate(ctx context.Context, messages []models.PromptMessage, systemPrompt string, callerID string) (string, error) {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		state := s.readyState
		s.providerMutex.RUnlock()
		return "", fmt.Errorf("生成服务不可用: %s", state)
	}
	provider := s.provider
	s.providerMutex.RUnlock()

	// 构建系统和用户提示
	var systemContent strings.Builder
	if systemPrompt != "" {
		systemContent.WriteString(systemPrompt)
	}

	var userContent string
	var history []string
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if systemContent.Len() > 0 {
				systemContent.WriteString("\n\n")
			}
			systemContent.WriteString(msg.Content)
		case models.RoleUser:
			userContent = msg.Content
		case models.RoleAssistant:
			history = append(history, msg.Content)
		default:
			utils.GetLogger().Warn("未知的消息角色", map[string]interface{}{"role": msg.Role})
		}
	}

	// 助手消息历史整合到用户提示中
	if len(history) > 0 {
		userContent = fmt.Sprintf("Conversation history:\n%s\n\nCurrent input: %s",
			strings.Join(history, "\n\n"), userContent)
	}

	cacheKey := s.generateCacheKey(userContent, systemContent.String())
	if text, ok := s.cache.get(cacheKey); ok {
		utils.GetLogger().Debug("生成缓存命中", map[string]interface{}{
			"cache_key_prefix": cacheKey[:8],
			"caller_id":        callerID,
		})
		return text, nil
	}

	resp, err := provider.CompleteText(ctx, llm.CompletionRequest{
		Prompt:       userContent,
		SystemPrompt: systemContent.String(),
		Temperature:  0.7,
		CallerID:     callerID,
	})
	if err != nil {
		return "", err
	}

	s.cache.put(cacheKey, resp.Text)

	return resp.Text, nil
}

func (s *LLMService) generateCacheKey(prompt, systemPrompt string) string {
	hash := sha256.Sum256([]byte(prompt + "\x00" + systemPrompt + "\x00" + s.GetProviderName()))
	return hex.EncodeToString(hash[:])
}

func (c *llmCache) get(key string) (string, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.entries[key]
	if !exists || time.Since(entry.timestamp) > c.expiry {
		return "", false
	}
	return entry.text, true
}

func (c *llmCache) put(key string, text string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// 容量满时先清理过期条目，仍满则淘汰最旧的
	if len(c.entries) >= c.maxEntries {
		oldestKey := ""
		var oldestTime time.Time
		for k, entry := range c.entries {
			if time.Since(entry.timestamp) > c.expiry {
				delete(c.entries, k)
				continue
			}
			if oldestKey == "" || entry.timestamp.Before(oldestTime) {
				oldestKey = k
				oldestTime = entry.timestamp
			}
		}
		if len(c.entries) >= c.maxEntries && oldestKey != "" {
			delete(c.entries, oldestKey)
		}
	}

	c.entries[key] = cacheEntry{text: text, timestamp: time.Now()}
}
