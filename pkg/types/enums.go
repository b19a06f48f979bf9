// Package types 定义 lanshare 公共类型
//
// 本文件定义状态枚举。
package types

// ============================================================================
//                              HealthState - 健康状态
// ============================================================================

// HealthState 节点连接的健康状态
//
// 状态由健康探测驱动：
//   - 单次探测成功 → Healthy
//   - 连续 N 次超时 → Unhealthy（并触发连接关闭）
type HealthState int

const (
	// HealthUnknown 未知（尚未收到任何探测结果）
	HealthUnknown HealthState = iota
	// HealthHealthy 健康（最近一次探测在超时内得到响应）
	HealthHealthy
	// HealthUnhealthy 不健康（连续超时达到阈值）
	HealthUnhealthy
)

// String 返回健康状态的字符串表示
func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              CloseReason - 关闭原因
// ============================================================================

// CloseReason 连接关闭原因
type CloseReason int

const (
	// ReasonUnknown 未知原因
	ReasonUnknown CloseReason = iota
	// ReasonTransportError 传输层错误（帧损坏、流控违规、会话异常）
	ReasonTransportError
	// ReasonHealthCheckFailure 健康探测连续超时达到阈值
	ReasonHealthCheckFailure
	// ReasonShutdown 本地节点正常关闭
	ReasonShutdown
	// ReasonRemote 对端主动关闭
	ReasonRemote
	// ReasonLocal 本地主动关闭（应用请求）
	ReasonLocal
)

// String 返回关闭原因的字符串表示
func (r CloseReason) String() string {
	switch r {
	case ReasonTransportError:
		return "transport_error"
	case ReasonHealthCheckFailure:
		return "health_check_failure"
	case ReasonShutdown:
		return "shutdown"
	case ReasonRemote:
		return "remote"
	case ReasonLocal:
		return "local"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              Direction - 连接方向
// ============================================================================

// Direction 连接方向
type Direction int

const (
	// DirUnknown 未知方向
	DirUnknown Direction = iota
	// DirInbound 入站（对端发起）
	DirInbound
	// DirOutbound 出站（本地发起）
	DirOutbound
)

// String 返回方向的字符串表示
func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}
