package noise

import "errors"

var (
	// ErrNilIdentity 身份为空
	ErrNilIdentity = errors.New("noise: identity is nil")
	// ErrNilConn 连接为空
	ErrNilConn = errors.New("noise: conn is nil")
	// ErrHandshake 握手失败
	ErrHandshake = errors.New("noise: handshake failed")
	// ErrInvalidSignature 握手 payload 签名无效
	ErrInvalidSignature = errors.New("noise: remote static key not bound to identity key")
	// ErrPeerIDMismatch 远端身份与期望不符
	ErrPeerIDMismatch = errors.New("noise: peer id mismatch")
)
