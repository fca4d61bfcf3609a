// internal/services/tracker_service.go
package services

import (
	"sync"

	"github.com/Corphon/StageTalkMCP/internal/models"
)

// 度量环形缓冲区容量
const trackerCapacity = 100

// TrackerService 记录每次策略执行的成功/失败与延迟
// 固定容量环形缓冲区，溢出时先进先出淘汰最旧条目
// 写入方是单一的编排路由，但读取可能并发，读取一律返回拷贝快照
type TrackerService struct {
	entries []models.StrategyMetric
	next    int // 下一个写入位置
	count   int // 已写入条目数（饱和后等于容量）
	mu      sync.Mutex
}

// NewTrackerService 创建性能追踪服务
func NewTrackerService() *TrackerService {
	return &TrackerService{
		entries: make([]models.StrategyMetric, trackerCapacity),
	}
}

// Record 记录一次策略执行度量
func (s *TrackerService) Record(metric models.StrategyMetric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[s.next] = metric
	s.next = (s.next + 1) % trackerCapacity
	if s.count < trackerCapacity {
		s.count++
	}
}

// Snapshot 返回按时间先后排序的全部度量拷贝
func (s *TrackerService) Snapshot() []models.StrategyMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *TrackerService) snapshotLocked() []models.StrategyMetric {
	result := make([]models.StrategyMetric, 0, s.count)

	start := 0
	if s.count == trackerCapacity {
		start = s.next
	}
	for i := 0; i < s.count; i++ {
		result = append(result, s.entries[(start+i)%trackerCapacity])
	}
	return result
}

// RollingSuccessRate 计算某策略模式在最近 windowSize 条匹配记录内的成功率
// 无匹配记录时返回 1.0：乐观默认，避免冷启动时饿死未测试过的模式
func (s *TrackerService) RollingSuccessRate(mode string, windowSize int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshotLocked()

	matched := 0
	succeeded := 0
	// 从最新往最旧遍历，凑满窗口即止
	for i := len(snapshot) - 1; i >= 0 && matched < windowSize; i-- {
		if snapshot[i].Mode != mode {
			continue
		}
		matched++
		if snapshot[i].Success {
			succeeded++
		}
	}

	if matched == 0 {
		return 1.0
	}
	return float64(succeeded) / float64(matched)
}

// RollingAvgLatency 计算某策略模式全部记录的平均延迟（毫秒）
func (s *TrackerService) RollingAvgLatency(mode string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	matched := 0
	for _, metric := range s.snapshotLocked() {
		if metric.Mode != mode {
			continue
		}
		total += metric.LatencyMs
		matched++
	}

	if matched == 0 {
		return 0
	}
	return total / int64(matched)
}

// Stats 返回两种策略模式的聚合统计
func (s *TrackerService) Stats() models.PerformanceStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshotLocked()

	stats := models.PerformanceStats{TotalCalls: len(snapshot)}
	stats.SingleCall = aggregateMode(snapshot, models.ModeSingleCall)
	stats.MultiCall = aggregateMode(snapshot, models.ModeMultiCall)
	return stats
}

func aggregateMode(snapshot []models.StrategyMetric, mode string) models.StrategyStats {
	var out models.StrategyStats
	var totalLatency int64
	succeeded := 0

	for _, metric := range snapshot {
		if metric.Mode != mode {
			continue
		}
		out.Count++
		totalLatency += metric.LatencyMs
		if metric.Success {
			succeeded++
		}
	}

	if out.Count == 0 {
		out.SuccessRate = 1.0
		return out
	}

	out.SuccessRate = float64(succeeded) / float64(out.Count)
	out.AvgResponseTime = totalLatency / int64(out.Count)
	return out
}
