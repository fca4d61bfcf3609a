// internal/services/idle_service.go
package services

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/StageTalkMCP/internal/config"
	"github.com/Corphon/StageTalkMCP/internal/models"
	"github.com/Corphon/StageTalkMCP/internal/utils"
)

// PoseSink 接收空闲微动作姿势变更
type PoseSink func(sessionID string, characterID string, pose string)

// SceneSink 接收生成好的空闲闲聊场景
type SceneSink func(sessionID string, scene *models.Scene)

// idleTopicPools 闲聊话题池，按类别轮换
var idleTopicPools = map[string][]string{
	"gossip": {
		"最近发生的趣事 / a funny thing that happened recently",
		"对在场其他人的看法 / impressions of the others present",
		"一个没人知道的小道消息 / a rumor nobody else has heard",
	},
	"debate": {
		"一个轻松的争议话题 / a light-hearted controversial topic",
		"谁的观点更站得住脚 / whose view holds up better",
		"假设性的两难选择 / a hypothetical dilemma",
	},
	"personal_story": {
		"一段难忘的个人经历 / a memorable personal experience",
		"年轻时犯过的错误 / a mistake made when younger",
		"一个一直想实现的愿望 / a wish never yet fulfilled",
	},
}

// idlePosePool 微动作姿势池，仅限不显突兀的小动作
var idlePosePool = []string{
	models.AnimationIdle,
	models.AnimationThink,
	models.AnimationShrug,
	models.AnimationLean,
	models.AnimationGesture,
}

const (
	idleMinTurns = 12
	idleMaxTurns = 20

	poseIntervalMinSeconds = 8
	poseIntervalMaxSeconds = 15
	poseJitterMaxSeconds   = 5
)

// characterTimer 一个角色的微动作定时循环
type characterTimer struct {
	characterID string
	cancel      context.CancelFunc
}

// IdleService 空闲编排
// 两个职责：无用户输入时生成角色间闲聊场景；
// 闲聊之外给每个在场角色跑独立的微动作定时器，让画面不僵死
type IdleService struct {
	generator  Generator
	parser     *ParserService
	enforcer   *EnforcerService
	characters *CharacterService

	poseSink  PoseSink
	sceneSink SceneSink

	mu         sync.Mutex
	rng        *rand.Rand
	timers     map[string]*characterTimer
	settle     *time.Timer
	loopCancel context.CancelFunc
	sessionID  string
	generation int64 // 每次Interrupt递增，旧定时器醒来后自检退出

	topicOrder []string
	topicIndex int
}

// NewIdleService 创建空闲编排服务
func NewIdleService(
	generator Generator,
	parser *ParserService,
	enforcer *EnforcerService,
	characters *CharacterService,
) *IdleService {
	order := make([]string, 0, len(idleTopicPools))
	for category := range idleTopicPools {
		order = append(order, category)
	}
	sort.Strings(order)

	return &IdleService{
		generator:  generator,
		parser:     parser,
		enforcer:   enforcer,
		characters: characters,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		timers:     make(map[string]*characterTimer),
		topicOrder: order,
	}
}

// SetPoseSink 注册姿势推送回调
func (s *IdleService) SetPoseSink(sink PoseSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poseSink = sink
}

// SetSceneSink 注册闲聊场景推送回调
func (s *IdleService) SetSceneSink(sink SceneSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sceneSink = sink
}

// SetRandSource 测试用：替换随机源
func (s *IdleService) SetRandSource(rng *rand.Rand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rng
}

// GenerateIdleConversationScene 生成一轮角色间的闲聊场景
// 本方法绝不向调用方返回错误：任何生成或解析失败都换成脚本化的兜底场景，
// 空闲系统的失败不应该被用户感知
func (s *IdleService) GenerateIdleConversationScene(ctx context.Context, selectedIDs []string, cycleNumber int) *models.Scene {
	profiles, err := s.characters.GetCharacters(selectedIDs)
	if err != nil || len(profiles) < 2 {
		if err != nil {
			utils.GetLogger().Warn("空闲场景角色加载失败，使用兜底场景", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return s.fallbackScene(selectedIDs, cycleNumber)
	}

	positions := s.characters.PositionHints(selectedIDs)
	topic := s.nextTopic()
	prompt := s.buildIdlePrompt(profiles, positions, topic)

	raw, err := s.generator.Generate(ctx, nil, prompt, fmt.Sprintf("idle:cycle-%d", cycleNumber))
	if err != nil {
		utils.GetLogger().Warn("空闲场景生成失败，使用兜底场景", map[string]interface{}{
			"cycle": cycleNumber,
			"error": err.Error(),
		})
		return s.fallbackScene(selectedIDs, cycleNumber)
	}

	scene := s.parser.ParseScene(raw, selectedIDs)
	if scene == nil {
		utils.GetLogger().Warn("空闲场景解析失败，使用兜底场景", map[string]interface{}{
			"cycle": cycleNumber,
		})
		return s.fallbackScene(selectedIDs, cycleNumber)
	}

	scene = s.enforcer.EnforceIdle(scene, selectedIDs, positions)
	scene.ID = uuid.NewString()
	scene.IdleCycle = cycleNumber
	scene.CreatedAt = time.Now()
	return scene
}

// buildIdlePrompt 闲聊提示词：话题 + 回合数区间 + 场景JSON契约
func (s *IdleService) buildIdlePrompt(profiles []*models.CharacterProfile, positions map[string]string, topic string) string {
	isEnglish := profilesLanguage(profiles)

	var prompt strings.Builder
	if isEnglish {
		prompt.WriteString("The user has stepped away. The characters below keep chatting among themselves.\n")
		prompt.WriteString(fmt.Sprintf("Topic for this round: %s\n", topic))
		prompt.WriteString(fmt.Sprintf("Produce a natural back-and-forth of %d to %d dialogue turns.\n", idleMinTurns, idleMaxTurns))
		prompt.WriteString("The conversation should feel unhurried, with characters occasionally reacting to each other.\n\n")
	} else {
		prompt.WriteString("用户暂时离开了。下面的角色们自行继续闲聊。\n")
		prompt.WriteString(fmt.Sprintf("本轮话题：%s\n", topic))
		prompt.WriteString(fmt.Sprintf("生成 %d 到 %d 个对话回合的自然往返。\n", idleMinTurns, idleMaxTurns))
		prompt.WriteString("对话节奏要放松，角色之间偶尔互相回应。\n\n")
	}

	writeCharacterRoster(&prompt, profiles, positions, isEnglish)
	writeSceneSchema(&prompt, isEnglish)
	return prompt.String()
}

// nextTopic 轮换话题类别，类别内随机取一条
func (s *IdleService) nextTopic() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	category := s.topicOrder[s.topicIndex%len(s.topicOrder)]
	s.topicIndex++
	pool := idleTopicPools[category]
	return pool[s.rng.Intn(len(pool))]
}

// fallbackScene 脚本化兜底场景：两句固定的寒暄，动画齐全
func (s *IdleService) fallbackScene(selectedIDs []string, cycleNumber int) *models.Scene {
	lines := []string{
		"今天过得还不错吧？/ Not a bad day so far, is it?",
		"是啊，就是有点安静。/ Yeah, just a little quiet around here.",
	}

	scene := &models.Scene{
		ID:                 uuid.NewString(),
		Timelines:          make([]models.CharacterTimeline, 0, 2),
		NonSpeakerBehavior: make(map[string][]models.AnimationSegment),
		IdleCycle:          cycleNumber,
		CreatedAt:          time.Now(),
	}

	offset := 0
	for i := 0; i < len(lines) && i < len(selectedIDs); i++ {
		timeline := s.parser.buildTimeline(selectedIDs[i], lines[i], offset, nil)
		scene.Timelines = append(scene.Timelines, timeline)
		offset = timeline.EndOffset() + 600
	}

	positions := s.characters.PositionHints(selectedIDs)
	return s.enforcer.EnforceIdle(scene, selectedIDs, positions)
}

// EnterIdle 在结算延迟之后启动全部角色的微动作定时器
// 结算延迟给刚结束的场景留出播放收尾时间，期间任何Interrupt都会取消进入
func (s *IdleService) EnterIdle(sessionID string, selectedIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelAllLocked()
	s.sessionID = sessionID

	settleSeconds := config.GetCurrentConfig().Orchestration.IdleSettleSeconds
	if settleSeconds <= 0 {
		settleSeconds = 5
	}

	generation := s.generation
	ids := append([]string(nil), selectedIDs...)

	s.settle = time.AfterFunc(time.Duration(settleSeconds)*time.Second, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation != generation {
			return
		}
		s.settle = nil
		for i, id := range ids {
			s.startTimerLocked(id, i)
		}
	})
}

// ScheduleEnter 在一段无操作时长之后进入完整空闲状态
// 完整空闲包含两层：各角色的微动作定时器，加上周期性的角色闲聊场景。
// 期间任何Interrupt都会取消进入或中止循环
func (s *IdleService) ScheduleEnter(sessionID string, selectedIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelAllLocked()
	s.sessionID = sessionID

	delaySeconds := config.GetCurrentConfig().Orchestration.IdleDelaySeconds
	if delaySeconds <= 0 {
		delaySeconds = 30
	}

	generation := s.generation
	ids := append([]string(nil), selectedIDs...)

	s.settle = time.AfterFunc(time.Duration(delaySeconds)*time.Second, func() {
		s.mu.Lock()
		if s.generation != generation {
			s.mu.Unlock()
			return
		}
		s.settle = nil
		for i, id := range ids {
			s.startTimerLocked(id, i)
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.loopCancel = cancel
		s.mu.Unlock()

		go s.conversationLoop(ctx, generation, sessionID, ids)
	})
}

// conversationLoop 闲聊循环：生成场景 → 推送 → 等播放完并沉降 → 下一轮
func (s *IdleService) conversationLoop(ctx context.Context, generation int64, sessionID string, selectedIDs []string) {
	cycle := 1
	for {
		scene := s.GenerateIdleConversationScene(ctx, selectedIDs, cycle)
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if s.generation != generation {
			s.mu.Unlock()
			return
		}
		sink := s.sceneSink
		s.mu.Unlock()

		if sink != nil {
			sink(sessionID, scene)
		}

		settleSeconds := config.GetCurrentConfig().Orchestration.IdleSettleSeconds
		if settleSeconds <= 0 {
			settleSeconds = 5
		}
		wait := time.Duration(scene.SceneDuration)*time.Millisecond +
			time.Duration(settleSeconds)*time.Second

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		cycle++
	}
}

// Reconcile 按新的角色选择调整定时器：差集启停，已有的不动
func (s *IdleService) Reconcile(selectedIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(selectedIDs))
	for _, id := range selectedIDs {
		wanted[id] = true
	}

	for id, timer := range s.timers {
		if !wanted[id] {
			timer.cancel()
			delete(s.timers, id)
		}
	}

	for i, id := range selectedIDs {
		if _, running := s.timers[id]; !running {
			s.startTimerLocked(id, i)
		}
	}
}

// Interrupt 同步取消全部空闲活动
// 返回时保证：结算定时器已停止、全部微动作循环已被标记取消、不会再有姿势推送生效
func (s *IdleService) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
}

func (s *IdleService) cancelAllLocked() {
	s.generation++
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
	for id, timer := range s.timers {
		timer.cancel()
		delete(s.timers, id)
	}
}

// startTimerLocked 启动一个角色的微动作循环
// 初始延迟按角色序号递增的抖动错开，避免所有角色同一时刻变姿势
func (s *IdleService) startTimerLocked(characterID string, index int) {
	ctx, cancel := context.WithCancel(context.Background())
	s.timers[characterID] = &characterTimer{characterID: characterID, cancel: cancel}

	generation := s.generation
	sessionID := s.sessionID
	initialJitter := s.jitterLocked(index)

	go s.poseLoop(ctx, generation, sessionID, characterID, initialJitter)
}

// jitterLocked 0到5秒随机抖动，基线随序号抬升
func (s *IdleService) jitterLocked(index int) time.Duration {
	base := time.Duration(index) * 700 * time.Millisecond
	extra := time.Duration(s.rng.Intn(poseJitterMaxSeconds*1000)) * time.Millisecond
	jitter := base + extra
	if max := time.Duration(poseJitterMaxSeconds) * time.Second; jitter > max {
		jitter = max
	}
	return jitter
}

// poseLoop 单角色微动作循环：初始抖动后每8到15秒换一次姿势
func (s *IdleService) poseLoop(ctx context.Context, generation int64, sessionID, characterID string, initialDelay time.Duration) {
	delay := initialDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if s.generation != generation {
			s.mu.Unlock()
			return
		}
		pose := idlePosePool[s.rng.Intn(len(idlePosePool))]
		intervalMs := poseIntervalMinSeconds*1000 + s.rng.Intn((poseIntervalMaxSeconds-poseIntervalMinSeconds)*1000)
		sink := s.poseSink
		s.mu.Unlock()

		if sink != nil {
			sink(sessionID, characterID, pose)
		}
		delay = time.Duration(intervalMs) * time.Millisecond
	}
}
