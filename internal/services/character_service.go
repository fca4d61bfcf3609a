// internal/services/character_service.go
package services

import (
	"fmt"
	"sync"
	"time"

	apperrors "github.com/Corphon/StageTalkMCP/internal/errors"
	"github.com/Corphon/StageTalkMCP/internal/models"
	"github.com/Corphon/StageTalkMCP/internal/storage"
)

// 角色档案的存储子目录
const charactersDir = "characters"

// CharacterService 角色注册表
// 角色档案以JSON文件持久化，内存缓存读多写少
type CharacterService struct {
	storage *storage.FileStorage

	cache      map[string]*models.CharacterProfile
	cacheMutex sync.RWMutex
	loaded     bool
}

// NewCharacterService 创建角色注册服务
func NewCharacterService(fileStorage *storage.FileStorage) *CharacterService {
	return &CharacterService{
		storage: fileStorage,
		cache:   make(map[string]*models.CharacterProfile),
	}
}

// ensureLoaded 首次访问时加载全部角色档案
func (s *CharacterService) ensureLoaded() error {
	s.cacheMutex.Lock()
	defer s.cacheMutex.Unlock()

	if s.loaded {
		return nil
	}

	names, err := s.storage.ListJSONFiles(charactersDir)
	if err != nil {
		return fmt.Errorf("列出角色档案失败: %w", err)
	}

	for _, name := range names {
		var profile models.CharacterProfile
		if err := s.storage.LoadJSONFile(charactersDir, name+".json", &profile); err != nil {
			// 单个损坏的档案不阻塞其余角色加载
			fmt.Printf("警告: 加载角色档案失败 %s: %v\n", name, err)
			continue
		}
		if profile.ID == "" {
			profile.ID = name
		}
		s.cache[profile.ID] = &profile
	}

	s.loaded = true
	return nil
}

// GetCharacter 根据ID获取角色档案
func (s *CharacterService) GetCharacter(characterID string) (*models.CharacterProfile, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()

	profile, exists := s.cache[characterID]
	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("角色不存在: %s", characterID), nil)
	}

	copied := *profile
	return &copied, nil
}

// GetCharacters 批量获取角色档案（避免重复读取）
func (s *CharacterService) GetCharacters(characterIDs []string) ([]*models.CharacterProfile, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()

	profiles := make([]*models.CharacterProfile, 0, len(characterIDs))
	for _, id := range characterIDs {
		profile, exists := s.cache[id]
		if !exists {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("角色不存在: %s", id), nil)
		}
		copied := *profile
		profiles = append(profiles, &copied)
	}

	return profiles, nil
}

// ListCharacters 列出全部角色档案
func (s *CharacterService) ListCharacters() ([]*models.CharacterProfile, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()

	profiles := make([]*models.CharacterProfile, 0, len(s.cache))
	for _, profile := range s.cache {
		copied := *profile
		profiles = append(profiles, &copied)
	}
	return profiles, nil
}

// SaveCharacter 保存角色档案
func (s *CharacterService) SaveCharacter(profile *models.CharacterProfile) error {
	if profile == nil || profile.ID == "" {
		return apperrors.NewValidationError("角色ID不能为空", nil)
	}

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	now := time.Now()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.LastUpdated = now

	if err := s.storage.SaveJSONFile(charactersDir, profile.ID+".json", profile); err != nil {
		return fmt.Errorf("保存角色档案失败: %w", err)
	}

	s.cacheMutex.Lock()
	copied := *profile
	s.cache[profile.ID] = &copied
	s.cacheMutex.Unlock()

	return nil
}

// PositionHints 按选择顺序推导角色站位
// 两个角色：左右；三个角色：左中右；单个角色：居中
func (s *CharacterService) PositionHints(selectedIDs []string) map[string]string {
	positions := make(map[string]string, len(selectedIDs))

	switch len(selectedIDs) {
	case 0:
	case 1:
		positions[selectedIDs[0]] = "center"
	case 2:
		positions[selectedIDs[0]] = "left"
		positions[selectedIDs[1]] = "right"
	default:
		layout := []string{"left", "center", "right"}
		for i, id := range selectedIDs {
			positions[id] = layout[i%len(layout)]
		}
	}

	return positions
}
