// Package noise 实现 Noise 协议安全传输
package noise

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/lanshare/go-lanshare/internal/core/identity"
	"github.com/lanshare/go-lanshare/pkg/lib/log"
	"github.com/lanshare/go-lanshare/pkg/types"
)

var logger = log.Logger("core/security/noise")

// ProtocolID Noise 安全协议标识
const ProtocolID = types.ProtocolID("/noise/1.0.0")

// Transport Noise 协议传输
type Transport struct {
	identity *identity.Identity
}

// New 创建 Noise 传输
func New(id *identity.Identity) (*Transport, error) {
	if id == nil {
		return nil, ErrNilIdentity
	}
	return &Transport{identity: id}, nil
}

// ID 返回协议标识
func (t *Transport) ID() types.ProtocolID {
	return ProtocolID
}

// SecureInbound 保护入站连接
//
// remotePeer 通常为空：响应者在握手完成前不知道对端身份。
func (t *Transport) SecureInbound(ctx context.Context, conn net.Conn, remotePeer types.NodeID) (*SecureConn, error) {
	return t.secure(ctx, conn, remotePeer, false)
}

// SecureOutbound 保护出站连接
func (t *Transport) SecureOutbound(ctx context.Context, conn net.Conn, remotePeer types.NodeID) (*SecureConn, error) {
	return t.secure(ctx, conn, remotePeer, true)
}

// secure 执行握手并封装安全连接
//
// 握手受 ctx 截止时间约束：超时或取消都会使底层读写失败，
// 握手随之返回错误，连接由调用方丢弃。
func (t *Transport) secure(ctx context.Context, conn net.Conn, remotePeer types.NodeID, initiator bool) (*SecureConn, error) {
	if conn == nil {
		return nil, ErrNilConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	secConn, err := performHandshake(conn, t.identity, remotePeer, initiator)
	if err != nil {
		logger.Debug("Noise 握手失败",
			"initiator", initiator,
			"remotePeer", log.TruncateID(remotePeer.String(), 8),
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	logger.Debug("Noise 握手成功",
		"initiator", initiator,
		"remotePeer", secConn.RemotePeer().ShortString())
	return secConn, nil
}
