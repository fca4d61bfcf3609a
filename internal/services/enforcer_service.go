// internal/services/enforcer_service.go
package services

import (
	"math/rand"
	"sync"

	"github.com/Corphon/StageTalkMCP/internal/models"
)

// EnforcerService 对解析后的场景做不变式强制
// 纯变换，不做任何解析；对已强制过的场景再次执行是幂等的
type EnforcerService struct {
	rng *rand.Rand
	mu  sync.Mutex
}

// NewEnforcerService 创建不变式强制服务
func NewEnforcerService(rng *rand.Rand) *EnforcerService {
	return &EnforcerService{rng: rng}
}

// Enforce 实时回合模式的不变式强制
// 保证：时长一致、场景时长覆盖全部时间线、每个选中角色都有已定义行为
func (s *EnforcerService) Enforce(scene *models.Scene, selectedIDs []string, positions map[string]string) *models.Scene {
	return s.enforce(scene, selectedIDs, positions, false)
}

// EnforceIdle 空闲模式的不变式强制
// 在实时模式之上，无条件重写所有视线方向为互相注视
// 这是刻意的策略：空闲闲聊必须看起来是角色在互相交谈，即使生成器偏离了要求
func (s *EnforcerService) EnforceIdle(scene *models.Scene, selectedIDs []string, positions map[string]string) *models.Scene {
	return s.enforce(scene, selectedIDs, positions, true)
}

func (s *EnforcerService) enforce(scene *models.Scene, selectedIDs []string, positions map[string]string, idleMode bool) *models.Scene {
	if scene == nil {
		return nil
	}

	// 时长一致性：每条时间线的总时长以片段之和为准
	for i := range scene.Timelines {
		if scene.Timelines[i].StartDelay < 0 {
			scene.Timelines[i].StartDelay = 0
		}
		scene.Timelines[i].RecomputeTotal()
	}

	// 时序收敛：场景时长永远等于时间线实际覆盖的最大值，不信任生成器自报的值
	sceneDuration := 0
	for i := range scene.Timelines {
		if end := scene.Timelines[i].EndOffset(); end > sceneDuration {
			sceneDuration = end
		}
	}
	scene.SceneDuration = sceneDuration

	// 发言者覆盖补齐：链式时间线只覆盖自己的发言区间，
	// 发言前后的空档用非发言片段填满，任何角色在场景存续期内都不留未定义区间
	for i := range scene.Timelines {
		tl := &scene.Timelines[i]

		direction := glanceDirection(tl.CharacterID, scene, positions)
		if idleMode {
			direction = mutualFacingDirection(positions[tl.CharacterID])
		}

		if tl.StartDelay > 0 {
			lead := s.buildNonSpeakerSegments(tl.StartDelay, direction)
			tl.Segments = append(lead, tl.Segments...)
			tl.StartDelay = 0
			tl.RecomputeTotal()
		}
		if tail := sceneDuration - tl.EndOffset(); tail > 0 {
			tl.Segments = append(tl.Segments, s.buildNonSpeakerSegments(tail, direction)...)
			tl.RecomputeTotal()
		}
	}

	// 空闲模式：互相注视的无条件覆盖
	if idleMode {
		for i := range scene.Timelines {
			direction := mutualFacingDirection(positions[scene.Timelines[i].CharacterID])
			forceLookDirection(scene.Timelines[i].Segments, direction)
		}
		for id, segments := range scene.NonSpeakerBehavior {
			forceLookDirection(segments, mutualFacingDirection(positions[id]))
		}
	}

	// 完整性：每个选中角色要么有时间线，要么有非发言行为，绝不留空
	if scene.NonSpeakerBehavior == nil {
		scene.NonSpeakerBehavior = make(map[string][]models.AnimationSegment)
	}

	speakers := make(map[string]bool, len(scene.Timelines))
	for _, tl := range scene.Timelines {
		speakers[tl.CharacterID] = true
	}

	for _, id := range selectedIDs {
		if speakers[id] {
			continue
		}
		if _, exists := scene.NonSpeakerBehavior[id]; exists {
			// 已有行为条目，保持原样（幂等性）
			continue
		}

		direction := glanceDirection(id, scene, positions)
		if idleMode {
			direction = mutualFacingDirection(positions[id])
		}
		scene.NonSpeakerBehavior[id] = s.buildNonSpeakerSegments(scene.SceneDuration, direction)
	}

	return scene
}

// buildNonSpeakerSegments 合成铺满整个场景时长的非发言行为
// 空闲片段与周期性（2–4秒一次）的注视片段交替，片段时长之和精确等于场景时长
func (s *EnforcerService) buildNonSpeakerSegments(sceneDuration int, lookDirection string) []models.AnimationSegment {
	if sceneDuration <= 0 {
		return []models.AnimationSegment{}
	}

	segments := make([]models.AnimationSegment, 0, 4)
	remaining := sceneDuration

	for remaining > 0 {
		idleDuration := s.randomRange(2000, 4000)
		if idleDuration > remaining {
			idleDuration = remaining
		}

		idle := models.DefaultSegment(idleDuration)
		idle.Complementary.LookDirection = lookDirection
		segments = append(segments, idle)
		remaining -= idleDuration

		if remaining <= 0 {
			break
		}

		// 注视活跃发言者的反应片段
		glanceDuration := 800
		if glanceDuration > remaining {
			glanceDuration = remaining
		}
		glance := models.DefaultSegment(glanceDuration)
		glance.Animation = models.AnimationNod
		glance.Complementary.LookDirection = lookDirection
		glance.Complementary.EyebrowState = models.BrowsRaised
		segments = append(segments, glance)
		remaining -= glanceDuration
	}

	return segments
}

func (s *EnforcerService) randomRange(min, max int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= min {
		return min
	}
	return min + s.rng.Intn(max-min+1)
}

// mutualFacingDirection 互相注视策略：左侧角色看右邻，右侧看左邻，中间默认看右
func mutualFacingDirection(position string) string {
	switch position {
	case "left":
		return models.LookRight
	case "right":
		return models.LookLeft
	default:
		return models.LookRight
	}
}

// glanceDirection 计算非发言角色注视最近活跃发言者的方向
func glanceDirection(characterID string, scene *models.Scene, positions map[string]string) string {
	myIdx := positionIndex(positions[characterID])

	// 找位置上最近的发言者
	bestDistance := -1
	speakerIdx := myIdx
	for _, tl := range scene.Timelines {
		if tl.CharacterID == characterID {
			continue
		}
		idx := positionIndex(positions[tl.CharacterID])
		distance := idx - myIdx
		if distance < 0 {
			distance = -distance
		}
		if bestDistance == -1 || distance < bestDistance {
			bestDistance = distance
			speakerIdx = idx
		}
	}

	switch {
	case speakerIdx > myIdx:
		return models.LookRight
	case speakerIdx < myIdx:
		return models.LookLeft
	default:
		return models.LookCenter
	}
}

func positionIndex(position string) int {
	switch position {
	case "left":
		return 0
	case "center":
		return 1
	case "right":
		return 2
	default:
		return 1
	}
}

// forceLookDirection 重写一组片段的视线方向
func forceLookDirection(segments []models.AnimationSegment, direction string) {
	for i := range segments {
		if segments[i].Complementary == nil {
			segments[i].Complementary = &models.ComplementaryState{
				EyeState:     models.EyesOpen,
				MouthState:   models.MouthClosed,
				EyebrowState: models.BrowsNeutral,
				Speed:        1.0,
			}
		}
		segments[i].Complementary.LookDirection = direction
	}
}
