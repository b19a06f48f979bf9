package upgrader

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/lanshare/go-lanshare/internal/core/security/noise"
	"github.com/lanshare/go-lanshare/pkg/types"
)

// ============================================================================
//                              Connection
// ============================================================================

// Connection 升级后的连接
//
// 持有会话密钥（经由安全连接）与已打开的逻辑流集合。
// 归传输层独占所有权；调度器只通过 NodeID -> Connection 反向引用访问。
type Connection struct {
	session *yamux.Session
	secConn *noise.SecureConn

	direction types.Direction
	opened    time.Time

	closeOnce sync.Once
	closeErr  error
}

// newConnection 创建升级后连接
func newConnection(session *yamux.Session, secConn *noise.SecureConn, dir types.Direction) *Connection {
	return &Connection{
		session:   session,
		secConn:   secConn,
		direction: dir,
		opened:    time.Now(),
	}
}

// RemotePeer 返回对端节点 ID
func (c *Connection) RemotePeer() types.NodeID {
	return c.secConn.RemotePeer()
}

// RemotePublicKey 返回握手验证过的对端公钥
func (c *Connection) RemotePublicKey() ed25519.PublicKey {
	return c.secConn.RemotePublicKey()
}

// RemoteAddr 返回对端网络地址
func (c *Connection) RemoteAddr() string {
	if addr := c.secConn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// LocalAddr 返回本地网络地址
func (c *Connection) LocalAddr() string {
	if addr := c.secConn.LocalAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Direction 返回连接方向
func (c *Connection) Direction() types.Direction {
	return c.direction
}

// Opened 返回连接建立时间
func (c *Connection) Opened() time.Time {
	return c.opened
}

// OpenStream 打开一条新逻辑流并声明其协议
//
// 流的第一帧是协议 ID，接收方据此路由到对应处理器。
func (c *Connection) OpenStream(ctx context.Context, proto types.ProtocolID) (*Stream, error) {
	if c.IsClosed() {
		return nil, ErrConnClosed
	}

	// yamux 的 OpenStream 不支持 context，在独立 goroutine 中处理取消
	type result struct {
		stream *yamux.Stream
		err    error
	}
	// 无缓冲：取消路径不再接收时，发送方走 default 分支善后
	resultCh := make(chan result)

	go func() {
		s, err := c.session.OpenStream()
		select {
		case resultCh <- result{stream: s, err: err}:
		default:
			// ctx 已取消，关闭孤立的流以防泄漏
			if s != nil {
				_ = s.Close()
			}
		}
	}()

	// 取消优先于开流结果：孤立流由发送方善后
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, r.err
		}
		stream := newStream(r.stream, c, proto)
		if err := stream.writeHeader(ctx); err != nil {
			stream.Close()
			return nil, err
		}
		return stream, nil
	}
}

// AcceptStream 接受一条对端打开的逻辑流
//
// 读取协议头后返回；会话关闭时返回错误。
func (c *Connection) AcceptStream() (*Stream, error) {
	raw, err := c.session.AcceptStream()
	if err != nil {
		return nil, err
	}

	stream := newStream(raw, c, "")
	if err := stream.readHeader(); err != nil {
		raw.Close()
		return nil, err
	}
	return stream, nil
}

// CloseChan 返回会话关闭通知通道
func (c *Connection) CloseChan() <-chan struct{} {
	return c.session.CloseChan()
}

// IsClosed 返回会话是否已关闭
func (c *Connection) IsClosed() bool {
	return c.session.IsClosed()
}

// Close 关闭连接（幂等）
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.session.Close()
		c.secConn.Close()
	})
	return c.closeErr
}
