// internal/services/tracker_service_test.go
package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StageTalkMCP/internal/models"
)

func numberedMetric(n int, mode string, success bool) models.StrategyMetric {
	return models.StrategyMetric{
		ID:        fmt.Sprintf("metric-%04d", n),
		Mode:      mode,
		LatencyMs: int64(100 + n),
		Success:   success,
	}
}

func TestTrackerEvictsOldestWhenFull(t *testing.T) {
	tracker := NewTrackerService()

	for i := 0; i < 150; i++ {
		tracker.Record(numberedMetric(i, models.ModeSingleCall, true))
	}

	snapshot := tracker.Snapshot()
	require.Len(t, snapshot, 100)

	// 最早的50条已被淘汰，剩余记录保持时间先后顺序
	assert.Equal(t, "metric-0050", snapshot[0].ID)
	assert.Equal(t, "metric-0149", snapshot[99].ID)
	for i := 1; i < len(snapshot); i++ {
		assert.Greater(t, snapshot[i].ID, snapshot[i-1].ID)
	}
}

func TestRollingSuccessRateEmptyDefaultsToOne(t *testing.T) {
	tracker := NewTrackerService()

	assert.Equal(t, 1.0, tracker.RollingSuccessRate(models.ModeSingleCall, 20))

	// 只有另一模式的记录时同样乐观
	tracker.Record(numberedMetric(0, models.ModeMultiCall, false))
	assert.Equal(t, 1.0, tracker.RollingSuccessRate(models.ModeSingleCall, 20))
}

func TestRollingSuccessRateWindowing(t *testing.T) {
	tracker := NewTrackerService()

	// 先10次失败，再20次成功
	for i := 0; i < 10; i++ {
		tracker.Record(numberedMetric(i, models.ModeSingleCall, false))
	}
	for i := 10; i < 30; i++ {
		tracker.Record(numberedMetric(i, models.ModeSingleCall, true))
	}

	// 窗口20只覆盖最近的20次成功
	assert.Equal(t, 1.0, tracker.RollingSuccessRate(models.ModeSingleCall, 20))
	// 窗口30把早期失败也纳入
	assert.InDelta(t, 20.0/30.0, tracker.RollingSuccessRate(models.ModeSingleCall, 30), 1e-9)
}

func TestRollingSuccessRateIgnoresOtherModes(t *testing.T) {
	tracker := NewTrackerService()
	tracker.Record(numberedMetric(0, models.ModeSingleCall, true))
	tracker.Record(numberedMetric(1, models.ModeMultiCall, false))
	tracker.Record(numberedMetric(2, models.ModeSingleCall, true))

	assert.Equal(t, 1.0, tracker.RollingSuccessRate(models.ModeSingleCall, 10))
	assert.Equal(t, 0.0, tracker.RollingSuccessRate(models.ModeMultiCall, 10))
}

func TestTrackerStatsAggregation(t *testing.T) {
	tracker := NewTrackerService()
	tracker.Record(models.StrategyMetric{Mode: models.ModeSingleCall, LatencyMs: 100, Success: true})
	tracker.Record(models.StrategyMetric{Mode: models.ModeSingleCall, LatencyMs: 300, Success: false})
	tracker.Record(models.StrategyMetric{Mode: models.ModeMultiCall, LatencyMs: 500, Success: true})

	stats := tracker.Stats()
	assert.Equal(t, 3, stats.TotalCalls)

	assert.Equal(t, 2, stats.SingleCall.Count)
	assert.Equal(t, 0.5, stats.SingleCall.SuccessRate)
	assert.Equal(t, int64(200), stats.SingleCall.AvgResponseTime)

	assert.Equal(t, 1, stats.MultiCall.Count)
	assert.Equal(t, 1.0, stats.MultiCall.SuccessRate)
	assert.Equal(t, int64(500), stats.MultiCall.AvgResponseTime)

	// 无记录的模式保持乐观成功率
	empty := NewTrackerService().Stats()
	assert.Equal(t, 1.0, empty.SingleCall.SuccessRate)
	assert.Equal(t, 1.0, empty.MultiCall.SuccessRate)
}

func TestTrackerSnapshotIsACopy(t *testing.T) {
	tracker := NewTrackerService()
	tracker.Record(numberedMetric(0, models.ModeSingleCall, true))

	snapshot := tracker.Snapshot()
	snapshot[0].ID = "mutated"

	assert.Equal(t, "metric-0000", tracker.Snapshot()[0].ID)
}
