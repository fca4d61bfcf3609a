// internal/services/config_service_test.go
package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StageTalkMCP/internal/config"
	"github.com/Corphon/StageTalkMCP/internal/models"
)

func TestUpdateOrchestrationPersistsValidSettings(t *testing.T) {
	initTestConfig(t, nil)
	svc := NewConfigService(nil)

	defaults := config.DefaultOrchestration()
	defaults.Mode = "multi_call"
	defaults.MaxResponders = 2
	defaults.IdleDelaySeconds = 60

	require.NoError(t, svc.UpdateOrchestration(defaults))

	current := config.GetCurrentConfig().Orchestration
	assert.Equal(t, "multi_call", current.Mode)
	assert.Equal(t, 2, current.MaxResponders)
	assert.Equal(t, 60, current.IdleDelaySeconds)
}

func TestUpdateOrchestrationRejectsInvalidSettings(t *testing.T) {
	initTestConfig(t, nil)
	svc := NewConfigService(nil)

	cases := []struct {
		name   string
		mutate func(*config.OrchestrationDefaults)
	}{
		{"未知模式", func(d *config.OrchestrationDefaults) { d.Mode = "parallel_call" }},
		{"发言者上限为零", func(d *config.OrchestrationDefaults) { d.MaxResponders = 0 }},
		{"发言者上限过大", func(d *config.OrchestrationDefaults) { d.MaxResponders = 5 }},
		{"间隔区间颠倒", func(d *config.OrchestrationDefaults) { d.StaggerMinMs = 2000; d.StaggerMaxMs = 500 }},
		{"自动窗口为零", func(d *config.OrchestrationDefaults) { d.AutoWindowSize = 0 }},
		{"阈值越界", func(d *config.OrchestrationDefaults) { d.AutoSuccessThreshold = 1.5 }},
		{"概率为负", func(d *config.OrchestrationDefaults) { d.ReactionChance = -0.1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defaults := config.DefaultOrchestration()
			tc.mutate(&defaults)

			assert.Error(t, svc.UpdateOrchestration(defaults))
		})
	}

	// 非法更新被整体拒绝，当前配置保持默认
	assert.Equal(t, "auto", config.GetCurrentConfig().Orchestration.Mode)
}

func TestMergeOverridesDefaults(t *testing.T) {
	base := defaultsToConfig(config.DefaultOrchestration())

	// 无覆盖时原样返回
	assert.Equal(t, base, base.Merge(nil))

	override := &models.OrchestrationConfig{
		Mode:          models.ModeMultiCall,
		Verbosity:     "brief",
		MaxResponders: 2,
	}
	merged := base.Merge(override)

	assert.Equal(t, models.ModeMultiCall, merged.Mode)
	assert.Equal(t, "brief", merged.Verbosity)
	assert.Equal(t, 2, merged.MaxResponders)

	// 布尔字段整体取自覆盖值，零值即关闭
	assert.False(t, merged.IncludeGestures)
	assert.False(t, merged.FallbackEnabled)
}
