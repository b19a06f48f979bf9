// Package peerstore 实现节点注册表
//
// 注册表是 NodeID -> PeerRecord 的唯一事实来源。
// 只有事件调度器执行写入（单写者），外部消费者通过快照只读访问，
// 因此读者永远不会观察到半应用的更新。
package peerstore

import (
	"sort"
	"sync"
	"time"

	"github.com/lanshare/go-lanshare/pkg/lib/log"
	"github.com/lanshare/go-lanshare/pkg/types"
)

var logger = log.Logger("core/peerstore")

// Peerstore 节点注册表
//
// 记录单调合并：携带较旧时间戳的更新被丢弃，乱序数据不会降级记录。
// 记录只增不删——发现缓存过期只影响候选地址，不删除历史记录。
type Peerstore struct {
	mu      sync.RWMutex
	records map[types.NodeID]*types.PeerRecord
}

// New 创建节点注册表
func New() *Peerstore {
	return &Peerstore{
		records: make(map[types.NodeID]*types.PeerRecord),
	}
}

// ============================================================================
//                              写入（仅调度器调用）
// ============================================================================

// Ensure 确保记录存在，返回是否为新建
func (ps *Peerstore) Ensure(id types.NodeID, at time.Time) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, ok := ps.records[id]; ok {
		return false
	}
	ps.records[id] = &types.PeerRecord{
		ID:          id,
		FirstSeen:   at,
		LastUpdated: at,
	}
	return true
}

// MergeAddrs 合并地址集合
//
// 语义为集合并集去重；at 早于记录当前版本时忽略（单调性）。
func (ps *Peerstore) MergeAddrs(id types.NodeID, addrs []string, at time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	rec := ps.ensureLocked(id, at)
	if at.Before(rec.LastUpdated) {
		return
	}

	seen := make(map[string]struct{}, len(rec.Addrs))
	for _, a := range rec.Addrs {
		seen[a] = struct{}{}
	}
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; !ok {
			rec.Addrs = append(rec.Addrs, a)
			seen[a] = struct{}{}
		}
	}
	rec.LastUpdated = at
}

// SetMetadata 记录识别元数据
func (ps *Peerstore) SetMetadata(id types.NodeID, md types.PeerMetadata, at time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	rec := ps.ensureLocked(id, at)
	if rec.Metadata != nil && at.Before(rec.LastUpdated) {
		return
	}

	mdCopy := md
	rec.Metadata = &mdCopy
	rec.LastUpdated = at
}

// SetHealth 更新健康状态
//
// 乱序的探测结果（时间戳早于最近一次健康更新）被丢弃，
// 保证过期数据永不降级状态。
func (ps *Peerstore) SetHealth(id types.NodeID, status types.HealthStatus, at time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	rec := ps.ensureLocked(id, at)
	if !rec.Health.LastSeen.IsZero() && at.Before(rec.Health.LastSeen) {
		return
	}

	rec.Health = status
	rec.LastUpdated = at
}

// ensureLocked 获取或创建记录（需持有写锁）
func (ps *Peerstore) ensureLocked(id types.NodeID, at time.Time) *types.PeerRecord {
	rec, ok := ps.records[id]
	if !ok {
		rec = &types.PeerRecord{
			ID:          id,
			FirstSeen:   at,
			LastUpdated: at,
		}
		ps.records[id] = rec
	}
	return rec
}

// ============================================================================
//                              读取（任意并发）
// ============================================================================

// Peer 返回指定节点的记录快照
func (ps *Peerstore) Peer(id types.NodeID) (types.PeerRecord, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	rec, ok := ps.records[id]
	if !ok {
		return types.PeerRecord{}, false
	}
	return copyRecord(rec), true
}

// Contains 返回注册表中是否存在指定节点
func (ps *Peerstore) Contains(id types.NodeID) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	_, ok := ps.records[id]
	return ok
}

// Len 返回记录数量
func (ps *Peerstore) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.records)
}

// Snapshot 返回全部记录的快照，按首次发现时间排序
func (ps *Peerstore) Snapshot() []types.PeerRecord {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make([]types.PeerRecord, 0, len(ps.records))
	for _, rec := range ps.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// copyRecord 深拷贝记录，隔离调用方与内部状态
func copyRecord(rec *types.PeerRecord) types.PeerRecord {
	out := *rec
	out.Addrs = append([]string(nil), rec.Addrs...)
	if rec.Metadata != nil {
		md := *rec.Metadata
		md.PublicKey = append([]byte(nil), rec.Metadata.PublicKey...)
		md.ListenAddrs = append([]string(nil), rec.Metadata.ListenAddrs...)
		md.Protocols = append([]types.ProtocolID(nil), rec.Metadata.Protocols...)
		out.Metadata = &md
	}
	return out
}
