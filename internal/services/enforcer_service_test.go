// internal/services/enforcer_service_test.go
package services

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StageTalkMCP/internal/models"
)

func newTestEnforcer() *EnforcerService {
	return NewEnforcerService(rand.New(rand.NewSource(7)))
}

func singleSpeakerScene(characterID string, duration int) *models.Scene {
	seg := models.AnimationSegment{
		Animation: models.AnimationTalk,
		Duration:  duration,
		IsTalking: true,
	}
	return &models.Scene{
		Timelines: []models.CharacterTimeline{{
			CharacterID: characterID,
			Content:     "line",
			Segments:    []models.AnimationSegment{seg},
		}},
	}
}

func TestEnforceFillsNonSpeakerBehavior(t *testing.T) {
	enforcer := newTestEnforcer()
	scene := singleSpeakerScene("freud", 6000)

	selected := []string{"freud", "jung", "adler"}
	positions := map[string]string{"freud": "left", "jung": "center", "adler": "right"}

	out := enforcer.Enforce(scene, selected, positions)
	require.NotNil(t, out)

	// 每个选中角色都有已定义行为
	for _, id := range selected {
		assert.True(t, out.HasCharacter(id), "角色 %s 不应处于未定义状态", id)
	}

	// 非发言行为精确铺满场景时长
	for id, segments := range out.NonSpeakerBehavior {
		total := 0
		for _, seg := range segments {
			total += seg.Duration
			assert.Greater(t, seg.Duration, 0)
		}
		assert.Equal(t, out.SceneDuration, total, "角色 %s 的非发言行为未铺满场景", id)
	}
}

func TestEnforcePadsSpeakerCoverageGaps(t *testing.T) {
	enforcer := newTestEnforcer()

	// 链式时间线：每个发言者只覆盖自己的发言区间
	second := models.CharacterTimeline{
		CharacterID: "jung",
		Content:     "reply",
		StartDelay:  3000,
		Segments: []models.AnimationSegment{{
			Animation: models.AnimationTalk,
			Duration:  3000,
			IsTalking: true,
		}},
	}
	scene := singleSpeakerScene("freud", 3000)
	scene.Timelines = append(scene.Timelines, second)

	selected := []string{"freud", "jung"}
	positions := map[string]string{"freud": "left", "jung": "right"}

	out := enforcer.Enforce(scene, selected, positions)
	require.NotNil(t, out)
	assert.Equal(t, 6000, out.SceneDuration)

	// 发言前后的空档被补满，每个发言者的覆盖都是 [0, 场景时长]
	for _, tl := range out.Timelines {
		assert.Equal(t, 0, tl.StartDelay, "角色 %s 的起始空档未补齐", tl.CharacterID)
		assert.Equal(t, out.SceneDuration, tl.TotalDuration, "角色 %s 的结尾空档未补齐", tl.CharacterID)

		total := 0
		talking := 0
		for _, seg := range tl.Segments {
			total += seg.Duration
			if seg.IsTalking {
				talking += seg.Duration
			}
		}
		assert.Equal(t, out.SceneDuration, total)
		assert.Equal(t, 3000, talking, "补齐片段不得是说话片段")
	}

	// 再次强制不再改变已补齐的场景
	snapshot, err := json.Marshal(out)
	require.NoError(t, err)
	again, err := json.Marshal(enforcer.Enforce(out, selected, positions))
	require.NoError(t, err)
	assert.JSONEq(t, string(snapshot), string(again))
}

func TestEnforceRecomputesDurations(t *testing.T) {
	enforcer := newTestEnforcer()

	scene := singleSpeakerScene("freud", 3000)
	scene.Timelines[0].TotalDuration = 12345 // 生成器自报的错误值
	scene.Timelines[0].StartDelay = -50
	scene.SceneDuration = 1

	out := enforcer.Enforce(scene, []string{"freud"}, map[string]string{"freud": "center"})

	assert.Equal(t, 3000, out.Timelines[0].TotalDuration)
	assert.Equal(t, 0, out.Timelines[0].StartDelay)
	assert.Equal(t, 3000, out.SceneDuration)
}

func TestEnforceIsIdempotent(t *testing.T) {
	enforcer := newTestEnforcer()
	scene := singleSpeakerScene("freud", 5000)

	selected := []string{"freud", "jung"}
	positions := map[string]string{"freud": "left", "jung": "right"}

	first := enforcer.Enforce(scene, selected, positions)
	snapshot, err := json.Marshal(first)
	require.NoError(t, err)

	second := enforcer.Enforce(first, selected, positions)
	again, err := json.Marshal(second)
	require.NoError(t, err)

	assert.JSONEq(t, string(snapshot), string(again), "重复强制必须不改变场景")
}

func TestEnforceIdleIsIdempotent(t *testing.T) {
	enforcer := newTestEnforcer()

	// 链式两人场景，含发言空档，走补齐+互相注视的完整路径
	second := models.CharacterTimeline{
		CharacterID: "jung",
		Content:     "reply",
		StartDelay:  5000,
		Segments: []models.AnimationSegment{{
			Animation: models.AnimationTalk,
			Duration:  2500,
			IsTalking: true,
		}},
	}
	scene := singleSpeakerScene("freud", 5000)
	scene.Timelines = append(scene.Timelines, second)

	selected := []string{"freud", "jung", "adler"}
	positions := map[string]string{"freud": "left", "jung": "right", "adler": "center"}

	first := enforcer.EnforceIdle(scene, selected, positions)
	snapshot, err := json.Marshal(first)
	require.NoError(t, err)

	reapplied := enforcer.EnforceIdle(first, selected, positions)
	again, err := json.Marshal(reapplied)
	require.NoError(t, err)

	// 互相注视覆盖与补齐都必须稳定：重复强制不改变任何注视方向或片段
	assert.JSONEq(t, string(snapshot), string(again))

	for _, tl := range reapplied.Timelines {
		want := models.LookRight
		if positions[tl.CharacterID] == "right" {
			want = models.LookLeft
		}
		for _, seg := range tl.Segments {
			require.NotNil(t, seg.Complementary)
			assert.Equal(t, want, seg.Complementary.LookDirection)
		}
	}
}

func TestEnforceIdleForcesMutualFacing(t *testing.T) {
	enforcer := newTestEnforcer()

	scene := singleSpeakerScene("freud", 4000)
	scene.Timelines[0].Segments[0].Complementary = &models.ComplementaryState{
		LookDirection: models.LookUser, // 生成器偏离了要求
		EyeState:      models.EyesOpen,
		MouthState:    models.MouthTalking,
		EyebrowState:  models.BrowsNeutral,
		Speed:         1.0,
	}

	selected := []string{"freud", "jung"}
	positions := map[string]string{"freud": "left", "jung": "right"}

	out := enforcer.EnforceIdle(scene, selected, positions)

	// 左侧角色被无条件改为看右
	for _, seg := range out.Timelines[0].Segments {
		require.NotNil(t, seg.Complementary)
		assert.Equal(t, models.LookRight, seg.Complementary.LookDirection)
	}

	// 右侧的非发言角色看左
	for _, seg := range out.NonSpeakerBehavior["jung"] {
		require.NotNil(t, seg.Complementary)
		assert.Equal(t, models.LookLeft, seg.Complementary.LookDirection)
	}
}

func TestEnforceNilScene(t *testing.T) {
	enforcer := newTestEnforcer()
	assert.Nil(t, enforcer.Enforce(nil, []string{"freud"}, nil))
}

func TestGlanceDirection(t *testing.T) {
	scene := singleSpeakerScene("center_speaker", 2000)
	positions := map[string]string{
		"center_speaker": "center",
		"lefty":          "left",
		"righty":         "right",
	}

	assert.Equal(t, models.LookRight, glanceDirection("lefty", scene, positions))
	assert.Equal(t, models.LookLeft, glanceDirection("righty", scene, positions))
}
