// internal/services/idle_service_test.go
package services

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StageTalkMCP/internal/config"
	"github.com/Corphon/StageTalkMCP/internal/models"
)

func newIdleFixture(t *testing.T, gen *scriptedGenerator, ids ...string) *IdleService {
	t.Helper()

	svc := NewIdleService(
		gen,
		NewParserService(),
		NewEnforcerService(rand.New(rand.NewSource(11))),
		newTestCharacterService(t, ids...),
	)
	svc.SetRandSource(rand.New(rand.NewSource(11)))
	return svc
}

func timerCount(s *IdleService) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func hasTimer(s *IdleService, characterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[characterID]
	return ok
}

func TestIdleSceneSuccessPath(t *testing.T) {
	initTestConfig(t, nil)

	gen := &scriptedGenerator{fn: func(callerID, systemPrompt string) (string, error) {
		require.True(t, strings.HasPrefix(callerID, "idle:"))
		return sceneJSON(
			timelineJSON("freud", "Quiet today, isn't it?"),
			timelineJSON("jung", "Peaceful, I'd say."),
		), nil
	}}
	svc := newIdleFixture(t, gen, "freud", "jung")

	scene := svc.GenerateIdleConversationScene(context.Background(), []string{"freud", "jung"}, 3)
	require.NotNil(t, scene)

	assert.NotEmpty(t, scene.ID)
	assert.Equal(t, 3, scene.IdleCycle)
	require.Len(t, scene.Timelines, 2)

	// 空闲场景强制互相注视：左侧看右，右侧看左
	for _, seg := range scene.Timelines[0].Segments {
		require.NotNil(t, seg.Complementary)
		assert.Equal(t, models.LookRight, seg.Complementary.LookDirection)
	}
}

func TestIdleSceneFallsBackOnGeneratorError(t *testing.T) {
	initTestConfig(t, nil)

	gen := &scriptedGenerator{fn: func(callerID, systemPrompt string) (string, error) {
		return "", errors.New("后端不可用")
	}}
	svc := newIdleFixture(t, gen, "freud", "jung")

	// 生成失败绝不外泄，换成脚本化兜底场景
	scene := svc.GenerateIdleConversationScene(context.Background(), []string{"freud", "jung"}, 1)
	require.NotNil(t, scene)
	assert.Equal(t, 1, scene.IdleCycle)
	require.Len(t, scene.Timelines, 2)
	assert.Equal(t, "freud", scene.Timelines[0].CharacterID)
	assert.Equal(t, "jung", scene.Timelines[1].CharacterID)
	assert.Greater(t, scene.SceneDuration, 0)
}

func TestIdleSceneFallsBackOnUnparseableOutput(t *testing.T) {
	initTestConfig(t, nil)

	gen := &scriptedGenerator{fn: func(callerID, systemPrompt string) (string, error) {
		return "definitely not a scene", nil
	}}
	svc := newIdleFixture(t, gen, "freud", "jung")

	scene := svc.GenerateIdleConversationScene(context.Background(), []string{"freud", "jung"}, 2)
	require.NotNil(t, scene)
	require.Len(t, scene.Timelines, 2)

	// 兜底场景同样满足完整性：每条时间线被补齐到覆盖整个场景
	for _, tl := range scene.Timelines {
		assert.Equal(t, 0, tl.StartDelay)
		assert.Equal(t, scene.SceneDuration, tl.TotalDuration)
	}
}

func TestIdlePromptRotatesTopics(t *testing.T) {
	initTestConfig(t, nil)

	gen := &scriptedGenerator{fn: func(callerID, systemPrompt string) (string, error) {
		return sceneJSON(timelineJSON("freud", "hm"), timelineJSON("jung", "hm")), nil
	}}
	svc := newIdleFixture(t, gen, "freud", "jung")

	for i := 0; i < 3; i++ {
		svc.GenerateIdleConversationScene(context.Background(), []string{"freud", "jung"}, i+1)
	}
	require.Equal(t, 3, gen.callCount())

	// 类别按字典序轮换：debate → gossip → personal_story
	assert.NotEqual(t, gen.call(0).SystemPrompt, gen.call(1).SystemPrompt)
	assert.NotEqual(t, gen.call(1).SystemPrompt, gen.call(2).SystemPrompt)
}

func TestReconcileAdjustsTimersBySetDifference(t *testing.T) {
	initTestConfig(t, nil)
	svc := newIdleFixture(t, &scriptedGenerator{}, "freud", "jung", "adler")

	svc.Reconcile([]string{"freud", "jung"})
	assert.Equal(t, 2, timerCount(svc))
	assert.True(t, hasTimer(svc, "freud"))
	assert.True(t, hasTimer(svc, "jung"))

	svc.Reconcile([]string{"jung", "adler"})
	assert.Equal(t, 2, timerCount(svc))
	assert.False(t, hasTimer(svc, "freud"))
	assert.True(t, hasTimer(svc, "adler"))

	svc.Interrupt()
	assert.Equal(t, 0, timerCount(svc))
}

func TestEnterIdleStartsTimersAfterSettle(t *testing.T) {
	initTestConfig(t, func(defaults *config.OrchestrationDefaults) {
		defaults.IdleSettleSeconds = 1
	})
	svc := newIdleFixture(t, &scriptedGenerator{}, "freud", "jung")

	svc.EnterIdle("s1", []string{"freud", "jung"})

	// 沉降期内定时器尚未启动，刚说完话的角色不会立刻变姿势
	assert.Equal(t, 0, timerCount(svc))

	deadline := time.Now().Add(3 * time.Second)
	for timerCount(svc) < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 2, timerCount(svc))
}

func TestInterruptDuringSettleCancelsEntry(t *testing.T) {
	initTestConfig(t, func(defaults *config.OrchestrationDefaults) {
		defaults.IdleSettleSeconds = 1
	})
	svc := newIdleFixture(t, &scriptedGenerator{}, "freud", "jung")

	svc.EnterIdle("s1", []string{"freud", "jung"})
	svc.Interrupt()

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 0, timerCount(svc))
}

func TestInterruptCancelsScheduledEntry(t *testing.T) {
	initTestConfig(t, nil)
	svc := newIdleFixture(t, &scriptedGenerator{}, "freud", "jung")

	svc.ScheduleEnter("s1", []string{"freud", "jung"})
	svc.Interrupt()

	// 延迟定时器被取消，空闲状态不会再进入
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, timerCount(svc))
}

func TestScheduleEnterStartsTimersAndConversationLoop(t *testing.T) {
	initTestConfig(t, func(defaults *config.OrchestrationDefaults) {
		defaults.IdleDelaySeconds = 1
		defaults.IdleSettleSeconds = 1
	})

	gen := &scriptedGenerator{fn: func(callerID, systemPrompt string) (string, error) {
		return sceneJSON(
			timelineJSON("freud", "Still here."),
			timelineJSON("jung", "So am I."),
		), nil
	}}
	svc := newIdleFixture(t, gen, "freud", "jung")

	scenes := make(chan *models.Scene, 4)
	svc.SetSceneSink(func(sessionID string, scene *models.Scene) {
		assert.Equal(t, "s1", sessionID)
		select {
		case scenes <- scene:
		default:
		}
	})

	svc.ScheduleEnter("s1", []string{"freud", "jung"})

	select {
	case scene := <-scenes:
		assert.Equal(t, 1, scene.IdleCycle)
		assert.Len(t, scene.Timelines, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("空闲闲聊循环未在预期时间内产出场景")
	}

	assert.Equal(t, 2, timerCount(svc))
	svc.Interrupt()
	assert.Equal(t, 0, timerCount(svc))
}
