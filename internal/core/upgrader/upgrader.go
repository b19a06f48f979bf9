// Package upgrader 实现连接升级器
//
// 升级流程把一条原始字节流变成一条相互认证、加密、多路复用的会话：
//  1. Noise XX 安全握手（证明双方静态身份，派生会话密钥）
//  2. yamux 多路复用（在加密信道上运行多条独立逻辑流）
package upgrader

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/lanshare/go-lanshare/internal/core/identity"
	"github.com/lanshare/go-lanshare/internal/core/security/noise"
	"github.com/lanshare/go-lanshare/pkg/lib/log"
	"github.com/lanshare/go-lanshare/pkg/types"
)

var logger = log.Logger("core/upgrader")

// Upgrader 连接升级器
type Upgrader struct {
	security *noise.Transport

	handshakeTimeout time.Duration
}

// New 创建连接升级器
func New(id *identity.Identity, handshakeTimeout time.Duration) (*Upgrader, error) {
	sec, err := noise.New(id)
	if err != nil {
		return nil, err
	}
	if handshakeTimeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	return &Upgrader{
		security:         sec,
		handshakeTimeout: handshakeTimeout,
	}, nil
}

// Upgrade 升级连接
//
// remotePeer 非空时（出站拨号发现的节点）握手会校验对端身份；
// 为空时（入站、或直连未知地址）身份由握手揭示。
// 任何一步失败都会关闭底层连接并返回错误，绝不升级为部分可用的会话。
func (u *Upgrader) Upgrade(ctx context.Context, raw net.Conn, dir types.Direction, remotePeer types.NodeID) (*Connection, error) {
	hsCtx, cancel := context.WithTimeout(ctx, u.handshakeTimeout)
	defer cancel()

	// 1. 安全握手
	var secConn *noise.SecureConn
	var err error
	if dir == types.DirInbound {
		secConn, err = u.security.SecureInbound(hsCtx, raw, remotePeer)
	} else {
		secConn, err = u.security.SecureOutbound(hsCtx, raw, remotePeer)
	}
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("security handshake: %w", err)
	}

	// 2. 多路复用协商
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = false // 存活检测由健康探测协议负责
	cfg.LogOutput = io.Discard

	var session *yamux.Session
	if dir == types.DirInbound {
		session, err = yamux.Server(secConn, cfg)
	} else {
		session, err = yamux.Client(secConn, cfg)
	}
	if err != nil {
		secConn.Close()
		return nil, fmt.Errorf("muxer setup: %w", err)
	}

	conn := newConnection(session, secConn, dir)
	logger.Debug("连接升级成功",
		"remotePeer", conn.RemotePeer().ShortString(),
		"direction", dir.String(),
		"security", u.security.ID().String())
	return conn, nil
}
