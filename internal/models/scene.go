// internal/models/scene.go
package models

import "time"

// 动画类型封闭词汇表
// 解析时超出词汇表的值一律替换为安全默认值，不得透传
const (
	AnimationIdle      = "idle"
	AnimationTalk      = "talk"
	AnimationNod       = "nod"
	AnimationShake     = "shake_head"
	AnimationLaugh     = "laugh"
	AnimationThink     = "think"
	AnimationGesture   = "gesture"
	AnimationWave      = "wave"
	AnimationShrug     = "shrug"
	AnimationLean      = "lean_in"
	AnimationSurprised = "surprised"
)

// 视线方向封闭词汇表
const (
	LookLeft   = "left"
	LookRight  = "right"
	LookCenter = "center"
	LookUser   = "user"
)

// 眼部状态封闭词汇表
const (
	EyesOpen   = "open"
	EyesClosed = "closed"
	EyesWide   = "wide"
	EyesNarrow = "narrow"
	EyesBlink  = "blink"
)

// 口部状态封闭词汇表
const (
	MouthClosed  = "closed"
	MouthTalking = "talking"
	MouthSmile   = "smile"
	MouthFrown   = "frown"
	MouthOpen    = "open"
)

// 眉部状态封闭词汇表
const (
	BrowsNeutral = "neutral"
	BrowsRaised  = "raised"
	BrowsFurrow  = "furrowed"
)

// 词汇表集合，供解析器校验
var (
	AnimationVocabulary = map[string]bool{
		AnimationIdle: true, AnimationTalk: true, AnimationNod: true,
		AnimationShake: true, AnimationLaugh: true, AnimationThink: true,
		AnimationGesture: true, AnimationWave: true, AnimationShrug: true,
		AnimationLean: true, AnimationSurprised: true,
	}
	LookVocabulary = map[string]bool{
		LookLeft: true, LookRight: true, LookCenter: true, LookUser: true,
	}
	EyeVocabulary = map[string]bool{
		EyesOpen: true, EyesClosed: true, EyesWide: true, EyesNarrow: true, EyesBlink: true,
	}
	MouthVocabulary = map[string]bool{
		MouthClosed: true, MouthTalking: true, MouthSmile: true, MouthFrown: true, MouthOpen: true,
	}
	BrowVocabulary = map[string]bool{
		BrowsNeutral: true, BrowsRaised: true, BrowsFurrow: true,
	}
)

// ComplementaryState 片段的补充面部状态
type ComplementaryState struct {
	LookDirection string  `json:"look_direction,omitempty"`
	EyeState      string  `json:"eye_state,omitempty"`
	MouthState    string  `json:"mouth_state,omitempty"`
	EyebrowState  string  `json:"eyebrow_state,omitempty"`
	Speed         float64 `json:"speed,omitempty"`
}

// AnimationSegment 单个角色时间线上的一个动画片段
// 同一时间线上的片段严格顺序播放；duration 必须为正
type AnimationSegment struct {
	Animation     string              `json:"animation"`
	Duration      int                 `json:"duration"` // 毫秒
	IsTalking     bool                `json:"is_talking"`
	TextRange     []int               `json:"text_range,omitempty"` // [start, end)，end 不得超过 content 长度
	Complementary *ComplementaryState `json:"complementary,omitempty"`
}

// CharacterTimeline 一个角色在场景内的完整时间线
// 不变式：TotalDuration 等于所有片段 Duration 之和（解析后强制重算）
type CharacterTimeline struct {
	CharacterID   string             `json:"character_id"`
	Content       string             `json:"content"`
	TotalDuration int                `json:"total_duration"` // 毫秒
	StartDelay    int                `json:"start_delay"`    // 相对场景起点，毫秒，>=0
	Segments      []AnimationSegment `json:"segments"`
	Interrupts    bool               `json:"interrupts,omitempty"`
	ReactsTo      string             `json:"reacts_to,omitempty"`
}

// RecomputeTotal 以片段时长之和为准重算 TotalDuration
func (t *CharacterTimeline) RecomputeTotal() {
	total := 0
	for _, seg := range t.Segments {
		total += seg.Duration
	}
	t.TotalDuration = total
}

// EndOffset 时间线在场景内的结束偏移
func (t *CharacterTimeline) EndOffset() int {
	return t.StartDelay + t.TotalDuration
}

// Scene 一个完整的、有时间边界的对话场景
// 每个回合（或空闲周期）新建，播放层消费一次后丢弃，不做持久化
type Scene struct {
	ID                 string                        `json:"id"`
	Timelines          []CharacterTimeline           `json:"timelines"`
	SceneDuration      int                           `json:"scene_duration"` // 毫秒
	NonSpeakerBehavior map[string][]AnimationSegment `json:"non_speaker_behavior,omitempty"`
	IdleCycle          int                           `json:"idle_cycle,omitempty"` // 空闲场景的周期号，0 表示实时回合
	CreatedAt          time.Time                     `json:"created_at"`
}

// SpeakerIDs 返回场景中有台词时间线的角色ID列表
func (s *Scene) SpeakerIDs() []string {
	ids := make([]string, 0, len(s.Timelines))
	for _, tl := range s.Timelines {
		ids = append(ids, tl.CharacterID)
	}
	return ids
}

// HasCharacter 判断角色在场景中是否有已定义的行为
func (s *Scene) HasCharacter(characterID string) bool {
	for _, tl := range s.Timelines {
		if tl.CharacterID == characterID {
			return true
		}
	}
	_, ok := s.NonSpeakerBehavior[characterID]
	return ok
}

// DefaultSegment 返回安全的默认动画片段
func DefaultSegment(duration int) AnimationSegment {
	return AnimationSegment{
		Animation: AnimationIdle,
		Duration:  duration,
		IsTalking: false,
		Complementary: &ComplementaryState{
			LookDirection: LookCenter,
			EyeState:      EyesOpen,
			MouthState:    MouthClosed,
			EyebrowState:  BrowsNeutral,
			Speed:         1.0,
		},
	}
}

// StrategyMetric 单次策略执行的度量记录
// 仅用于滚动聚合，不持久化，进程重启即清零
type StrategyMetric struct {
	ID             string    `json:"id"`
	Mode           string    `json:"mode"` // single_call / multi_call
	LatencyMs      int64     `json:"latency_ms"`
	CharacterCount int       `json:"character_count"`
	ResponseCount  int       `json:"response_count"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// StrategyStats 单一策略模式的聚合统计
type StrategyStats struct {
	SuccessRate     float64 `json:"success_rate"`
	AvgResponseTime int64   `json:"avg_response_time_ms"`
	Count           int     `json:"count"`
}

// PerformanceStats 两种策略模式的聚合统计
type PerformanceStats struct {
	SingleCall StrategyStats `json:"single_call"`
	MultiCall  StrategyStats `json:"multi_call"`
	TotalCalls int           `json:"total_calls"`
}
