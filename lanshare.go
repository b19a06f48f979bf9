package lanshare

import "github.com/lanshare/go-lanshare/pkg/types"

// 常用类型的顶层别名，使用方无需直接导入 pkg/types。
type (
	// NodeID 节点标识
	NodeID = types.NodeID

	// Event 调度器分发的事件
	Event = types.Event

	// PeerRecord 注册表中的节点记录
	PeerRecord = types.PeerRecord

	// PeerMetadata 身份交换获得的节点元数据
	PeerMetadata = types.PeerMetadata

	// HealthStatus 节点健康状态快照
	HealthStatus = types.HealthStatus

	// CloseReason 连接关闭原因
	CloseReason = types.CloseReason

	// EvtPeerDiscovered 发现新节点
	EvtPeerDiscovered = types.EvtPeerDiscovered

	// EvtConnectionEstablished 安全连接建立
	EvtConnectionEstablished = types.EvtConnectionEstablished

	// EvtPeerIdentified 身份交换完成
	EvtPeerIdentified = types.EvtPeerIdentified

	// EvtProbeResult 健康探测结果
	EvtProbeResult = types.EvtProbeResult

	// EvtConnectionClosed 连接关闭
	EvtConnectionClosed = types.EvtConnectionClosed
)

// 连接关闭原因
const (
	ReasonTransportError     = types.ReasonTransportError
	ReasonHealthCheckFailure = types.ReasonHealthCheckFailure
	ReasonShutdown           = types.ReasonShutdown
	ReasonRemote             = types.ReasonRemote
	ReasonLocal              = types.ReasonLocal
)

// 健康状态
const (
	HealthUnknown   = types.HealthUnknown
	HealthHealthy   = types.HealthHealthy
	HealthUnhealthy = types.HealthUnhealthy
)

// ParseNodeID 解析 Base58 形式的节点标识
func ParseNodeID(s string) (NodeID, error) {
	return types.ParseNodeID(s)
}
