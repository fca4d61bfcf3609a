// internal/services/parser_service.go
package services

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Corphon/StageTalkMCP/internal/models"
	"github.com/Corphon/StageTalkMCP/internal/utils"
)

// ParserService 将生成后端的自由文本解析为结构化场景
// 对数据质量问题只降级不报错：解析彻底失败返回 nil，由路由层决定回退
type ParserService struct{}

// NewParserService 创建解析服务
func NewParserService() *ParserService {
	return &ParserService{}
}

// 生成后端响应的线格式（提示契约 scene_response v1）
type sceneResponseWire struct {
	Timelines     []timelineWire `json:"timelines"`
	SceneDuration int            `json:"scene_duration"`
}

type timelineWire struct {
	Character     string        `json:"character"`
	Content       string        `json:"content"`
	StartDelay    int           `json:"start_delay"`
	TotalDuration int           `json:"total_duration"`
	Segments      []segmentWire `json:"segments"`
}

type segmentWire struct {
	Animation     string                     `json:"animation"`
	Duration      int                        `json:"duration"`
	IsTalking     bool                       `json:"is_talking"`
	TextRange     []int                      `json:"text_range"`
	Complementary *models.ComplementaryState `json:"complementary"`
}

// namePrefixRegex 匹配内容中的 "[Name]: " 说话人前缀
var namePrefixRegex = regexp.MustCompile(`\[([^\[\]]+)\]:\s*`)

// ParseScene 解析原始生成文本
// 仅当无法提取任何可用的角色/内容对时返回 nil；数据质量问题一律就地修复
func (s *ParserService) ParseScene(raw string, availableIDs []string) *models.Scene {
	if len(availableIDs) == 0 {
		return nil
	}

	// 第一步：文本修复管道
	cleaned := RepairJSONText(raw)
	if cleaned == "" {
		return nil
	}

	// 第二步：结构解析；语法错误不再做进一步的正则抢救
	var wire sceneResponseWire
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		// 兼容生成器直接输出时间线数组的情况
		var timelines []timelineWire
		if err2 := json.Unmarshal([]byte(cleaned), &timelines); err2 != nil {
			utils.GetLogger().Warn("生成输出JSON解析失败", map[string]interface{}{
				"error": err.Error(),
			})
			return nil
		}
		wire.Timelines = timelines
	}

	scene := &models.Scene{
		Timelines:          make([]models.CharacterTimeline, 0, len(wire.Timelines)),
		NonSpeakerBehavior: make(map[string][]models.AnimationSegment),
	}

	for _, tl := range wire.Timelines {
		content := strings.TrimSpace(tl.Content)
		if content == "" {
			continue
		}

		characterID := s.resolveCharacterID(tl.Character, availableIDs)

		// 第四步：单条内容错误地嵌入了多个带名字前缀的发言时，拆分为多条时间线
		parts := splitCombinedContent(content, characterID, availableIDs, s)
		if len(parts) > 1 {
			previousID := ""
			offset := tl.StartDelay
			for i, part := range parts {
				timeline := s.buildTimeline(part.characterID, part.content, offset, nil)
				if i > 0 {
					timeline.Interrupts = true
					timeline.ReactsTo = previousID
				}
				offset += timeline.TotalDuration
				previousID = part.characterID
				scene.Timelines = append(scene.Timelines, timeline)
			}
			continue
		}

		// 单发言人：去掉残留的名字前缀
		content = stripNamePrefix(content)
		timeline := s.buildTimeline(characterID, content, tl.StartDelay, tl.Segments)
		scene.Timelines = append(scene.Timelines, timeline)
	}

	if len(scene.Timelines) == 0 {
		return nil
	}

	// 首条时间线必须从场景起点开始
	scene.Timelines[0].StartDelay = 0

	// 第六步：场景时长以时间线实际覆盖为准，忽略生成器自报的值
	for _, tl := range scene.Timelines {
		if end := tl.EndOffset(); end > scene.SceneDuration {
			scene.SceneDuration = end
		}
	}

	return scene
}

// buildTimeline 由线格式构建并修复一条时间线
func (s *ParserService) buildTimeline(characterID, content string, startDelay int, segments []segmentWire) models.CharacterTimeline {
	if startDelay < 0 {
		startDelay = 0
	}

	timeline := models.CharacterTimeline{
		CharacterID: characterID,
		Content:     content,
		StartDelay:  startDelay,
	}

	contentLen := utf8.RuneCountInString(content)

	for _, seg := range segments {
		timeline.Segments = append(timeline.Segments, s.sanitizeSegment(seg, contentLen))
	}

	// 没有任何可用片段时合成一个覆盖全文的说话片段
	if len(timeline.Segments) == 0 {
		talk := models.AnimationSegment{
			Animation: models.AnimationTalk,
			Duration:  estimateSpeechDuration(content),
			IsTalking: true,
			TextRange: []int{0, contentLen},
			Complementary: &models.ComplementaryState{
				LookDirection: models.LookCenter,
				EyeState:      models.EyesOpen,
				MouthState:    models.MouthTalking,
				EyebrowState:  models.BrowsNeutral,
				Speed:         1.0,
			},
		}
		timeline.Segments = append(timeline.Segments, talk)
	}

	// 不变式：总时长等于片段时长之和
	timeline.RecomputeTotal()

	return timeline
}

// sanitizeSegment 校验片段的枚举字段与数值范围
// 第五步：词汇表外的值替换为安全默认值，绝不让单个片段毁掉整次解析
func (s *ParserService) sanitizeSegment(seg segmentWire, contentLen int) models.AnimationSegment {
	out := models.AnimationSegment{
		Animation: seg.Animation,
		Duration:  seg.Duration,
		IsTalking: seg.IsTalking,
	}

	if !models.AnimationVocabulary[out.Animation] {
		if out.Animation != "" {
			utils.GetLogger().Debug("词汇表外的动画值已替换", map[string]interface{}{
				"animation": out.Animation,
			})
		}
		out.Animation = models.AnimationIdle
	}

	if out.Duration <= 0 {
		out.Duration = 1000
	}

	if len(seg.TextRange) == 2 && seg.TextRange[0] >= 0 && seg.TextRange[1] > seg.TextRange[0] {
		end := seg.TextRange[1]
		if end > contentLen {
			end = contentLen
		}
		if seg.TextRange[0] < end {
			out.TextRange = []int{seg.TextRange[0], end}
		}
	}

	if seg.Complementary != nil {
		comp := *seg.Complementary
		if !models.LookVocabulary[comp.LookDirection] {
			comp.LookDirection = models.LookCenter
		}
		if !models.EyeVocabulary[comp.EyeState] {
			comp.EyeState = models.EyesOpen
		}
		if !models.MouthVocabulary[comp.MouthState] {
			if out.IsTalking {
				comp.MouthState = models.MouthTalking
			} else {
				comp.MouthState = models.MouthClosed
			}
		}
		if !models.BrowVocabulary[comp.EyebrowState] {
			comp.EyebrowState = models.BrowsNeutral
		}
		if comp.Speed <= 0 {
			comp.Speed = 1.0
		}
		out.Complementary = &comp
	}

	return out
}

// resolveCharacterID 将生成器引用的角色标记解析为已知ID
// 第三步：精确匹配 → 大小写/下划线规范化匹配 → 子串匹配 → 强制回退到首个可用ID
func (s *ParserService) resolveCharacterID(token string, availableIDs []string) string {
	token = strings.TrimSpace(token)

	// 精确匹配
	for _, id := range availableIDs {
		if id == token {
			return id
		}
	}

	normalized := normalizeCharacterToken(token)

	// 规范化匹配
	for _, id := range availableIDs {
		if normalizeCharacterToken(id) == normalized {
			return id
		}
	}

	// 子串匹配（双向）
	if normalized != "" {
		for _, id := range availableIDs {
			normID := normalizeCharacterToken(id)
			if strings.Contains(normID, normalized) || strings.Contains(normalized, normID) {
				return id
			}
		}
	}

	// 无法解析：强制回退，可恢复且只记录不报错
	utils.GetLogger().Warn("无法解析的角色引用，已回退到首个可用角色", map[string]interface{}{
		"token":    token,
		"fallback": availableIDs[0],
	})
	return availableIDs[0]
}

// normalizeCharacterToken 小写并去除下划线/连字符/空白
func normalizeCharacterToken(token string) string {
	token = strings.ToLower(strings.TrimSpace(token))
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ':
			return -1
		}
		return r
	}, token)
}

// stripNamePrefix 去掉内容开头的 "[Name]: " 残留
func stripNamePrefix(content string) string {
	if loc := namePrefixRegex.FindStringIndex(content); loc != nil && loc[0] == 0 {
		return strings.TrimSpace(content[loc[1]:])
	}
	return content
}

type splitPart struct {
	characterID string
	content     string
}

// splitCombinedContent 检测一条内容中嵌入的多个 "[Name]: " 发言并拆分
// 这是生成器的高频错误模式；拆分保持原始顺序
// 首个前缀之前的开场片段归属于该时间线本来的角色 ownerID，不丢弃
func splitCombinedContent(content, ownerID string, availableIDs []string, parser *ParserService) []splitPart {
	matches := namePrefixRegex.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil
	}

	parts := make([]splitPart, 0, len(matches)+1)
	if lead := strings.TrimSpace(content[:matches[0][0]]); lead != "" {
		parts = append(parts, splitPart{characterID: ownerID, content: lead})
	}
	for i, match := range matches {
		name := content[match[2]:match[3]]
		start := match[1]
		end := len(content)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}

		text := strings.TrimSpace(content[start:end])
		if text == "" {
			continue
		}

		parts = append(parts, splitPart{
			characterID: parser.resolveCharacterID(name, availableIDs),
			content:     text,
		})
	}

	if len(parts) < 2 {
		return nil
	}
	return parts
}

// estimateSpeechDuration 按文本长度估算说话时长（毫秒）
func estimateSpeechDuration(content string) int {
	runes := utf8.RuneCountInString(content)
	duration := runes * 60
	if duration < 1500 {
		duration = 1500
	}
	if duration > 20000 {
		duration = 20000
	}
	return duration
}
