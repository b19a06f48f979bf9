package liveness

import (
	"sync"
	"time"

	"github.com/lanshare/go-lanshare/pkg/types"
)

// rttWindowSize RTT 滑动窗口样本数
const rttWindowSize = 10

// peerStatus 单个节点的探测统计
type peerStatus struct {
	mu sync.Mutex

	state      types.HealthState
	lastRTT    time.Duration
	lastSeen   time.Time
	failCount  int
	rttSamples []time.Duration

	failThreshold int
}

// newPeerStatus 创建节点探测统计
func newPeerStatus(failThreshold int) *peerStatus {
	return &peerStatus{
		state:         types.HealthUnknown,
		failThreshold: failThreshold,
		rttSamples:    make([]time.Duration, 0, rttWindowSize),
	}
}

// recordSuccess 记录一次成功探测
//
// 单次成功即转为 Healthy，连续失败计数清零。
func (ps *peerStatus) recordSuccess(rtt time.Duration, at time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.state = types.HealthHealthy
	ps.lastRTT = rtt
	ps.lastSeen = at
	ps.failCount = 0

	ps.rttSamples = append(ps.rttSamples, rtt)
	if len(ps.rttSamples) > rttWindowSize {
		ps.rttSamples = ps.rttSamples[len(ps.rttSamples)-rttWindowSize:]
	}
}

// recordFailure 记录一次探测超时，返回当前连续失败计数
//
// 达到阈值时转为 Unhealthy；未达到阈值时状态保持不变。
func (ps *peerStatus) recordFailure() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.failCount++
	if ps.failCount >= ps.failThreshold {
		ps.state = types.HealthUnhealthy
	}
	return ps.failCount
}

// snapshot 返回当前状态快照
func (ps *peerStatus) snapshot() types.HealthStatus {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	return types.HealthStatus{
		State:    ps.state,
		LastRTT:  ps.lastRTT,
		AvgRTT:   ps.avgRTTLocked(),
		LastSeen: ps.lastSeen,
		Fails:    ps.failCount,
	}
}

// avgRTTLocked 计算滑动窗口平均 RTT（需持有锁）
func (ps *peerStatus) avgRTTLocked() time.Duration {
	if len(ps.rttSamples) == 0 {
		return 0
	}

	var sum time.Duration
	for _, rtt := range ps.rttSamples {
		sum += rtt
	}
	return sum / time.Duration(len(ps.rttSamples))
}
