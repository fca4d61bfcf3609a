// internal/services/config_service.go
package services

import (
	"fmt"

	"github.com/Corphon/StageTalkMCP/internal/config"
	"github.com/Corphon/StageTalkMCP/internal/models"
	"github.com/Corphon/StageTalkMCP/internal/utils"
)

// ConfigService 运行时设置的读写入口
// 编排默认参数与生成后端配置都经由这里修改并落盘
type ConfigService struct {
	llmService *LLMService
}

// NewConfigService 创建配置服务
func NewConfigService(llmService *LLMService) *ConfigService {
	return &ConfigService{llmService: llmService}
}

// GetSettings 返回当前运行时设置的快照
func (s *ConfigService) GetSettings() *config.AppConfig {
	return config.GetCurrentConfig()
}

// UpdateOrchestration 更新编排默认参数
// 仅接受合法取值，非法字段整体拒绝，不做部分写入
func (s *ConfigService) UpdateOrchestration(defaults config.OrchestrationDefaults) error {
	if err := validateOrchestration(defaults); err != nil {
		return err
	}

	err := config.UpdateConfig(func(cfg *config.AppConfig) {
		cfg.Orchestration = defaults
	})
	if err != nil {
		return fmt.Errorf("保存编排配置失败: %w", err)
	}

	utils.GetLogger().Info("编排默认参数已更新", map[string]interface{}{
		"mode":           defaults.Mode,
		"max_responders": defaults.MaxResponders,
	})
	return nil
}

// UpdateLLMProvider 切换生成后端并持久化
// 先热切换服务实例，成功后才写入配置文件
func (s *ConfigService) UpdateLLMProvider(providerName string, providerConfig map[string]string) error {
	if providerName == "" {
		return fmt.Errorf("提供商名称不能为空")
	}

	if err := s.llmService.UpdateProvider(providerName, providerConfig); err != nil {
		return fmt.Errorf("切换生成后端失败: %w", err)
	}

	err := config.UpdateConfig(func(cfg *config.AppConfig) {
		cfg.LLMProvider = providerName
		if cfg.LLMConfig == nil {
			cfg.LLMConfig = make(map[string]string)
		}
		for k, v := range providerConfig {
			if v != "" {
				cfg.LLMConfig[k] = v
			}
		}
	})
	if err != nil {
		return fmt.Errorf("保存后端配置失败: %w", err)
	}

	utils.GetLogger().Info("生成后端已切换", map[string]interface{}{
		"provider": providerName,
	})
	return nil
}

func validateOrchestration(defaults config.OrchestrationDefaults) error {
	switch defaults.Mode {
	case models.ModeSingleCall, models.ModeMultiCall, models.ModeAuto:
	default:
		return fmt.Errorf("无效的编排模式: %s", defaults.Mode)
	}

	if defaults.MaxResponders < 1 || defaults.MaxResponders > 3 {
		return fmt.Errorf("max_responders 必须在 1 到 3 之间")
	}
	if defaults.StaggerMinMs < 0 || defaults.StaggerMaxMs < defaults.StaggerMinMs {
		return fmt.Errorf("无效的间隔区间: [%d, %d]", defaults.StaggerMinMs, defaults.StaggerMaxMs)
	}
	if defaults.AutoWindowSize <= 0 {
		return fmt.Errorf("auto_window_size 必须为正数")
	}
	if defaults.AutoSuccessThreshold < 0 || defaults.AutoSuccessThreshold > 1 {
		return fmt.Errorf("auto_success_threshold 必须在 0 到 1 之间")
	}
	for name, chance := range map[string]float64{
		"continuation_chance": defaults.ContinuationChance,
		"interruption_chance": defaults.InterruptionChance,
		"reaction_chance":     defaults.ReactionChance,
	} {
		if chance < 0 || chance > 1 {
			return fmt.Errorf("%s 必须在 0 到 1 之间", name)
		}
	}
	return nil
}
