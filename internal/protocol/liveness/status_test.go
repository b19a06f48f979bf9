package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lanshare/go-lanshare/pkg/types"
)

// TestPeerStatus_SingleSuccess 测试单次成功即转为 Healthy
func TestPeerStatus_SingleSuccess(t *testing.T) {
	ps := newPeerStatus(3)
	assert.Equal(t, 0, ps.snapshot().Fails)

	now := time.Now()
	ps.recordSuccess(5*time.Millisecond, now)

	snap := ps.snapshot()
	assert.Equal(t, types.HealthHealthy, snap.State)
	assert.Equal(t, 5*time.Millisecond, snap.LastRTT)
	assert.Equal(t, now, snap.LastSeen)
}

// TestPeerStatus_FailThreshold 测试连续超时阈值
//
// 未达阈值时状态保持先前值；达到阈值转为 Unhealthy。
func TestPeerStatus_FailThreshold(t *testing.T) {
	ps := newPeerStatus(3)
	ps.recordSuccess(time.Millisecond, time.Now())

	assert.Equal(t, 1, ps.recordFailure())
	assert.Equal(t, types.HealthHealthy, ps.snapshot().State)

	assert.Equal(t, 2, ps.recordFailure())
	assert.Equal(t, types.HealthHealthy, ps.snapshot().State)

	assert.Equal(t, 3, ps.recordFailure())
	assert.Equal(t, types.HealthUnhealthy, ps.snapshot().State)
}

// TestPeerStatus_SuccessResetsFails 测试成功清零连续失败计数
func TestPeerStatus_SuccessResetsFails(t *testing.T) {
	ps := newPeerStatus(3)

	ps.recordFailure()
	ps.recordFailure()
	ps.recordSuccess(time.Millisecond, time.Now())

	assert.Equal(t, 0, ps.snapshot().Fails)
	// 计数清零后需要重新累计满阈值
	assert.Equal(t, 1, ps.recordFailure())
	assert.Equal(t, types.HealthHealthy, ps.snapshot().State)
}

// TestPeerStatus_AvgRTT 测试滑动窗口平均值
func TestPeerStatus_AvgRTT(t *testing.T) {
	ps := newPeerStatus(3)
	now := time.Now()

	ps.recordSuccess(10*time.Millisecond, now)
	ps.recordSuccess(20*time.Millisecond, now)
	ps.recordSuccess(30*time.Millisecond, now)

	assert.Equal(t, 20*time.Millisecond, ps.snapshot().AvgRTT)

	// 窗口只保留最近的样本
	for i := 0; i < rttWindowSize; i++ {
		ps.recordSuccess(50*time.Millisecond, now)
	}
	assert.Equal(t, 50*time.Millisecond, ps.snapshot().AvgRTT)
}
