package upgrader

import "errors"

var (
	// ErrInvalidTimeout 无效的握手超时配置
	ErrInvalidTimeout = errors.New("upgrader: handshake timeout must be positive")
	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("upgrader: connection closed")
	// ErrProtocolHeader 协议头非法
	ErrProtocolHeader = errors.New("upgrader: invalid protocol header")
)
