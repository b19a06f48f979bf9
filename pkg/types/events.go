// Package types 定义 lanshare 公共类型
//
// 本文件定义事件相关类型。所有子协议的输出都收敛为这里的事件变体，
// 经由单一有序通道流入调度器。
package types

import (
	"time"
)

// ============================================================================
//                              Event - 事件接口
// ============================================================================

// Event 基础事件接口
//
// 每个事件由恰好一个子协议产生，由调度器恰好消费一次。
type Event interface {
	// Type 返回事件类型
	Type() string

	// Peer 返回事件关联的节点 ID
	Peer() NodeID

	// Timestamp 返回事件时间戳
	Timestamp() time.Time
}

// BaseEvent 基础事件实现
type BaseEvent struct {
	EventType string
	PeerID    NodeID
	Time      time.Time
}

// Type 返回事件类型
func (e BaseEvent) Type() string {
	return e.EventType
}

// Peer 返回事件关联的节点 ID
func (e BaseEvent) Peer() NodeID {
	return e.PeerID
}

// Timestamp 返回事件时间戳
func (e BaseEvent) Timestamp() time.Time {
	return e.Time
}

// NewBaseEvent 创建基础事件
func NewBaseEvent(eventType string, peer NodeID) BaseEvent {
	return BaseEvent{
		EventType: eventType,
		PeerID:    peer,
		Time:      time.Now(),
	}
}

// ============================================================================
//                              发现事件
// ============================================================================

// EvtPeerDiscovered 发现节点事件
//
// 由发现服务在首次收到某节点的有效公告时发射。
// Refresh 为 true 时表示已知节点的公告刷新：调度器只合并地址集，
// 不向外部订阅者转发（公告幂等性）。
type EvtPeerDiscovered struct {
	BaseEvent
	Addrs   []string
	Refresh bool
}

// ============================================================================
//                              连接事件
// ============================================================================

// EvtConnectionEstablished 连接建立事件
//
// 安全握手与多路复用协商完成后由传输层发射。
type EvtConnectionEstablished struct {
	BaseEvent
	RemoteAddr string
	Direction  Direction
}

// EvtConnectionClosed 连接关闭事件
//
// 每个连接实例的生命周期内恰好发射一次。
type EvtConnectionClosed struct {
	BaseEvent
	Reason CloseReason
	Err    error // 仅 Reason=TransportError 时有效
}

// ============================================================================
//                              识别事件
// ============================================================================

// EvtPeerIdentified 节点识别完成事件
type EvtPeerIdentified struct {
	BaseEvent
	Metadata PeerMetadata
}

// ============================================================================
//                              探测事件
// ============================================================================

// EvtProbeResult 健康探测结果事件
//
// Timeout 为 true 时 RTT 无意义；Fails 为当前连续超时计数，
// 由调度器与配置阈值比较后决定是否关闭连接。
type EvtProbeResult struct {
	BaseEvent
	RTT     time.Duration
	Timeout bool
	Fails   int
}

// ============================================================================
//                              事件类型常量
// ============================================================================

// 事件类型常量
const (
	EventTypePeerDiscovered        = "peer_discovered"
	EventTypeConnectionEstablished = "connection_established"
	EventTypePeerIdentified        = "peer_identified"
	EventTypeProbeResult           = "probe_result"
	EventTypeConnectionClosed      = "connection_closed"
)
