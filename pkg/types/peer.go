// Package types 定义 lanshare 公共类型
//
// 本文件定义节点信息相关类型。
package types

import (
	"time"
)

// ============================================================================
//                              PeerInfo - 候选节点
// ============================================================================

// PeerInfo 候选节点信息（发现服务的输出）
type PeerInfo struct {
	// ID 节点标识
	ID NodeID

	// Addrs 可达地址列表（host:port）
	Addrs []string
}

// ============================================================================
//                              PeerMetadata - 识别元数据
// ============================================================================

// PeerMetadata 识别交换得到的节点元数据
type PeerMetadata struct {
	// PublicKey 节点公钥（原始字节）
	PublicKey []byte

	// ListenAddrs 对端声明的监听地址
	ListenAddrs []string

	// Protocols 对端支持的协议列表
	Protocols []ProtocolID

	// AgentVersion 软件版本字符串，如 go-lanshare/1.0.0
	AgentVersion string

	// ProtocolVersion 协议族版本，如 lanshare/1.0.0
	ProtocolVersion string

	// ObservedAddr 对端观测到的我方地址
	ObservedAddr string
}

// ============================================================================
//                              HealthStatus - 健康状态快照
// ============================================================================

// HealthStatus 节点健康状态快照
type HealthStatus struct {
	// State 当前健康状态
	State HealthState

	// LastRTT 最近一次成功探测的往返时延
	LastRTT time.Duration

	// AvgRTT 滑动窗口平均往返时延
	AvgRTT time.Duration

	// LastSeen 最近一次成功探测的时间
	LastSeen time.Time

	// Fails 当前连续超时计数
	Fails int
}

// ============================================================================
//                              PeerRecord - 注册表条目
// ============================================================================

// PeerRecord 节点注册表条目
//
// 以 NodeID 为键，单调合并：更新的时间戳总是胜出，
// 过期/乱序的数据永远不会降级已有记录。
type PeerRecord struct {
	// ID 节点标识
	ID NodeID

	// Addrs 已知网络地址集合
	Addrs []string

	// Metadata 识别元数据（未识别时为 nil）
	Metadata *PeerMetadata

	// Health 健康状态
	Health HealthStatus

	// FirstSeen 首次观察到该节点的时间
	FirstSeen time.Time

	// LastUpdated 记录最近一次变更的时间
	LastUpdated time.Time
}
