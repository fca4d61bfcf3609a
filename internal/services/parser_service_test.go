// internal/services/parser_service_test.go
package services

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StageTalkMCP/internal/models"
)

func TestParseSceneWithMarkdownFencesAndProse(t *testing.T) {
	parser := NewParserService()

	raw := "Sure, here is the scene:\n```json\n" +
		sceneJSON(timelineJSON("freud", "Tell me about your dreams.")) +
		"\n```\nLet me know if you need anything else."

	scene := parser.ParseScene(raw, []string{"freud", "jung"})
	require.NotNil(t, scene)
	require.Len(t, scene.Timelines, 1)
	assert.Equal(t, "freud", scene.Timelines[0].CharacterID)
	assert.Equal(t, "Tell me about your dreams.", scene.Timelines[0].Content)
}

func TestParseSceneReturnsNilOnGarbage(t *testing.T) {
	parser := NewParserService()

	assert.Nil(t, parser.ParseScene("这完全不是一段JSON文本", []string{"freud"}))
	assert.Nil(t, parser.ParseScene("", []string{"freud"}))
	assert.Nil(t, parser.ParseScene("{broken json", []string{"freud"}))
	assert.Nil(t, parser.ParseScene(sceneJSON(), []string{"freud"}))

	// 可用角色为空时无法归属任何内容
	assert.Nil(t, parser.ParseScene(sceneJSON(timelineJSON("freud", "hi")), nil))
}

func TestParseSceneResolvesDisplayNames(t *testing.T) {
	parser := NewParserService()

	// 生成器用显示名而不是ID引用角色
	raw := sceneJSON(timelineJSON("Sigmund Freud", "Interesting."))
	scene := parser.ParseScene(raw, []string{"sigmund_freud", "carl_jung"})
	require.NotNil(t, scene)
	assert.Equal(t, "sigmund_freud", scene.Timelines[0].CharacterID)

	// 无法解析的引用回退到首个可用角色
	raw = sceneJSON(timelineJSON("nobody_known", "Hello."))
	scene = parser.ParseScene(raw, []string{"sigmund_freud", "carl_jung"})
	require.NotNil(t, scene)
	assert.Equal(t, "sigmund_freud", scene.Timelines[0].CharacterID)
}

func TestParseSceneSplitsCombinedContent(t *testing.T) {
	parser := NewParserService()

	raw := sceneJSON(timelineJSON("freud",
		"[Freud]: Hello there. [Jung]: Hi, good to see you."))

	scene := parser.ParseScene(raw, []string{"freud", "jung"})
	require.NotNil(t, scene)
	require.Len(t, scene.Timelines, 2)

	first := scene.Timelines[0]
	second := scene.Timelines[1]

	assert.Equal(t, "freud", first.CharacterID)
	assert.Equal(t, "Hello there.", first.Content)
	assert.False(t, first.Interrupts)

	assert.Equal(t, "jung", second.CharacterID)
	assert.Equal(t, "Hi, good to see you.", second.Content)
	assert.True(t, second.Interrupts)
	assert.Equal(t, "freud", second.ReactsTo)

	// 拆分后的时间线按顺序排布，不重叠起点
	assert.Equal(t, 0, first.StartDelay)
	assert.Equal(t, first.TotalDuration, second.StartDelay)
}

func TestParseSceneKeepsLeadBeforeEmbeddedPrefix(t *testing.T) {
	parser := NewParserService()

	// 首个前缀前的开场白没有名字标记，归属于时间线本来的角色
	raw := sceneJSON(timelineJSON("jung",
		"I was just thinking about that. [Freud]: Dreams again?"))

	scene := parser.ParseScene(raw, []string{"freud", "jung"})
	require.NotNil(t, scene)
	require.Len(t, scene.Timelines, 2)

	assert.Equal(t, "jung", scene.Timelines[0].CharacterID)
	assert.Equal(t, "I was just thinking about that.", scene.Timelines[0].Content)

	assert.Equal(t, "freud", scene.Timelines[1].CharacterID)
	assert.Equal(t, "Dreams again?", scene.Timelines[1].Content)
	assert.True(t, scene.Timelines[1].Interrupts)
	assert.Equal(t, "jung", scene.Timelines[1].ReactsTo)
}

func TestParseSceneSanitizesSegments(t *testing.T) {
	parser := NewParserService()

	raw := `{"timelines": [{
		"character": "freud",
		"content": "Short line.",
		"start_delay": -200,
		"segments": [
			{"animation": "backflip", "duration": -5, "is_talking": true,
			 "text_range": [0, 9999],
			 "complementary": {"look_direction": "sideways", "eye_state": "open",
			  "mouth_state": "talking", "eyebrow_state": "neutral", "speed": 0}}
		]
	}]}`

	scene := parser.ParseScene(raw, []string{"freud"})
	require.NotNil(t, scene)
	require.Len(t, scene.Timelines, 1)

	seg := scene.Timelines[0].Segments[0]
	assert.Equal(t, models.AnimationIdle, seg.Animation, "词汇表外的动画替换为安全默认值")
	assert.Equal(t, 1000, seg.Duration, "非正时长落回默认值")
	require.Len(t, seg.TextRange, 2)
	assert.Equal(t, utf8.RuneCountInString("Short line."), seg.TextRange[1], "文本区间收敛到内容长度")
	assert.Equal(t, models.LookCenter, seg.Complementary.LookDirection)
	assert.Equal(t, 1.0, seg.Complementary.Speed)

	// 负的起始延迟被钳制
	assert.Equal(t, 0, scene.Timelines[0].StartDelay)
}

func TestParseSceneSynthesizesTalkSegment(t *testing.T) {
	parser := NewParserService()

	raw := `{"timelines": [{"character": "freud", "content": "A line with no segments."}]}`
	scene := parser.ParseScene(raw, []string{"freud"})
	require.NotNil(t, scene)

	tl := scene.Timelines[0]
	require.Len(t, tl.Segments, 1)
	assert.Equal(t, models.AnimationTalk, tl.Segments[0].Animation)
	assert.True(t, tl.Segments[0].IsTalking)
	assert.Equal(t, tl.Segments[0].Duration, tl.TotalDuration)
}

func TestParseSceneRecomputesDuration(t *testing.T) {
	parser := NewParserService()

	// 生成器自报的 scene_duration 不可信
	raw := `{"timelines": [` + timelineJSON("freud", "One.") + `,` +
		timelineJSON("jung", "Two.") + `], "scene_duration": 99}`

	scene := parser.ParseScene(raw, []string{"freud", "jung"})
	require.NotNil(t, scene)

	expected := 0
	for _, tl := range scene.Timelines {
		if end := tl.EndOffset(); end > expected {
			expected = end
		}
	}
	assert.Equal(t, expected, scene.SceneDuration)
	assert.Equal(t, 0, scene.Timelines[0].StartDelay, "首条时间线必须从场景起点开始")
}

func TestParseSceneAcceptsBareTimelineArray(t *testing.T) {
	parser := NewParserService()

	raw := "[" + timelineJSON("freud", "Array form.") + "]"
	scene := parser.ParseScene(raw, []string{"freud"})
	require.NotNil(t, scene)
	assert.Equal(t, "Array form.", scene.Timelines[0].Content)
}

func TestEstimateSpeechDurationBounds(t *testing.T) {
	assert.Equal(t, 1500, estimateSpeechDuration("hi"))
	assert.Equal(t, 20000, estimateSpeechDuration(string(make([]rune, 500))))
}
