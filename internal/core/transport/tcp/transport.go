// Package tcp 实现 TCP 原始传输
//
// 只负责字节流连接的建立与监听，安全与多路复用由 upgrader 完成。
package tcp

import (
	"context"
	"fmt"
	"net"

	"github.com/lanshare/go-lanshare/pkg/lib/log"
)

var logger = log.Logger("core/transport/tcp")

// Transport TCP 传输
type Transport struct {
	dialer net.Dialer
}

// New 创建 TCP 传输
func New() *Transport {
	return &Transport{}
}

// Dial 建立到指定地址的原始连接
//
// 截止时间来自 ctx；无截止时间时由调用方负责超时控制。
func (t *Transport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// Listen 在指定地址开始监听
//
// addr 形如 "0.0.0.0:0"，端口 0 表示由内核分配临时端口。
func (t *Transport) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	logger.Info("TCP 监听已绑定", "addr", ln.Addr().String())
	return ln, nil
}
