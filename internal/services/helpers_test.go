// internal/services/helpers_test.go
package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Corphon/StageTalkMCP/internal/config"
	"github.com/Corphon/StageTalkMCP/internal/models"
	"github.com/Corphon/StageTalkMCP/internal/storage"
)

// generatorCall 记录一次生成调用的输入
type generatorCall struct {
	CallerID     string
	SystemPrompt string
	UserContent  string
}

// scriptedGenerator 按脚本函数返回响应的生成桩
type scriptedGenerator struct {
	mu    sync.Mutex
	fn    func(callerID, systemPrompt string) (string, error)
	calls []generatorCall
}

func (g *scriptedGenerator) Generate(ctx context.Context, messages []models.PromptMessage, systemPrompt string, callerID string) (string, error) {
	g.mu.Lock()
	user := ""
	if len(messages) > 0 {
		user = messages[len(messages)-1].Content
	}
	g.calls = append(g.calls, generatorCall{CallerID: callerID, SystemPrompt: systemPrompt, UserContent: user})
	fn := g.fn
	g.mu.Unlock()

	if fn == nil {
		return "", errors.New("未配置脚本")
	}
	return fn(callerID, systemPrompt)
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *scriptedGenerator) call(i int) generatorCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[i]
}

// timelineJSON 一条合法时间线的线格式JSON
func timelineJSON(characterID, content string) string {
	return fmt.Sprintf(`{
		"character": %q,
		"content": %q,
		"start_delay": 0,
		"segments": [
			{"animation": "talk", "duration": 2000, "is_talking": true,
			 "complementary": {"look_direction": "center", "eye_state": "open",
			  "mouth_state": "talking", "eyebrow_state": "neutral", "speed": 1.0}}
		]
	}`, characterID, content)
}

// sceneJSON 包含若干时间线的完整场景响应JSON
func sceneJSON(timelines ...string) string {
	return fmt.Sprintf(`{"timelines": [%s], "scene_duration": 0}`, strings.Join(timelines, ","))
}

// testProfiles 构造测试角色档案
func testProfiles(ids ...string) []*models.CharacterProfile {
	profiles := make([]*models.CharacterProfile, 0, len(ids))
	for _, id := range ids {
		name := id
		if len(name) > 0 {
			name = strings.ToUpper(name[:1]) + name[1:]
		}
		profiles = append(profiles, &models.CharacterProfile{
			ID:          id,
			Name:        name,
			Description: fmt.Sprintf("Test character %s", id),
			Personality: "calm and curious",
		})
	}
	return profiles
}

// newTestCharacterService 创建带预置角色档案的角色服务
func newTestCharacterService(t *testing.T, ids ...string) *CharacterService {
	t.Helper()

	fileStorage, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	svc := NewCharacterService(fileStorage)
	for _, profile := range testProfiles(ids...) {
		require.NoError(t, svc.SaveCharacter(profile))
	}
	return svc
}

// initTestConfig 初始化指向临时目录的配置系统，并应用编排参数调整
func initTestConfig(t *testing.T, mutate func(*config.OrchestrationDefaults)) {
	t.Helper()

	tmp := t.TempDir()
	t.Setenv("DATA_DIR", filepath.Join(tmp, "data"))
	t.Setenv("LOG_DIR", filepath.Join(tmp, "logs"))

	require.NoError(t, config.InitConfig(filepath.Join(tmp, "data")))

	if mutate != nil {
		require.NoError(t, config.UpdateConfig(func(cfg *config.AppConfig) {
			mutate(&cfg.Orchestration)
		}))
	}
}
