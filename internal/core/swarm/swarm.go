// Package swarm 实现连接管理
//
// swarm 维护 NodeID -> 连接 的映射，保证每个节点同一时刻至多一条
// 活跃连接：与已连接节点的重复拨号是空操作，竞争到达的重复连接
// 被静默丢弃。所有连接状态变化以事件形式汇入调度器。
package swarm

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanshare/go-lanshare/internal/core/identity"
	"github.com/lanshare/go-lanshare/internal/core/transport/tcp"
	"github.com/lanshare/go-lanshare/internal/core/upgrader"
	"github.com/lanshare/go-lanshare/pkg/lib/log"
	"github.com/lanshare/go-lanshare/pkg/types"
)

var logger = log.Logger("core/swarm")

// StreamHandler 入站流处理器
type StreamHandler func(*upgrader.Stream)

// EmitFunc 事件发射回调（汇入调度器的单一事件通道）
type EmitFunc func(types.Event)

// Swarm 连接管理器
type Swarm struct {
	local    types.NodeID
	upgrader *upgrader.Upgrader
	tpt      *tcp.Transport
	emit     EmitFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	mu       sync.RWMutex
	conns    map[types.NodeID]*connEntry
	dialing  map[types.NodeID]struct{}
	handlers map[types.ProtocolID]StreamHandler
	listener net.Listener
}

// connEntry 连接表条目
//
// reason 在本地关闭前写入；closeEvt 保证每个连接实例
// 恰好发射一次 EvtConnectionClosed。
type connEntry struct {
	conn     *upgrader.Connection
	reason   atomic.Int32
	closeEvt sync.Once
}

// New 创建连接管理器
func New(id *identity.Identity, up *upgrader.Upgrader, emit EmitFunc) *Swarm {
	ctx, cancel := context.WithCancel(context.Background())
	return &Swarm{
		local:    id.NodeID(),
		upgrader: up,
		tpt:      tcp.New(),
		emit:     emit,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[types.NodeID]*connEntry),
		dialing:  make(map[types.NodeID]struct{}),
		handlers: make(map[types.ProtocolID]StreamHandler),
	}
}

// SetStreamHandler 注册协议处理器
//
// 必须在 Listen 之前完成全部注册（本核心的协议集是固定的）。
func (s *Swarm) SetStreamHandler(proto types.ProtocolID, h StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[proto] = h
}

// Listen 绑定监听地址并启动接受循环
//
// 绑定失败是致命错误，由调用方中止启动。
func (s *Swarm) Listen(addr string) error {
	ln, err := s.tpt.Listen(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// ListenAddr 返回实际绑定的监听地址
func (s *Swarm) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// LocalPeer 返回本地节点 ID
func (s *Swarm) LocalPeer() types.NodeID {
	return s.local
}

// ============================================================================
//                              拨号
// ============================================================================

// DialPeer 拨号到已发现的节点
//
// 已连接或正在拨号时为空操作（nil）。依次尝试候选地址，
// 任一地址握手成功即建立连接。
func (s *Swarm) DialPeer(ctx context.Context, peer types.NodeID, addrs []string) error {
	if s.closed.Load() {
		return ErrSwarmClosed
	}
	if peer == s.local {
		return ErrDialSelf
	}

	s.mu.Lock()
	if _, ok := s.conns[peer]; ok {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.dialing[peer]; ok {
		s.mu.Unlock()
		return nil
	}
	s.dialing[peer] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.dialing, peer)
		s.mu.Unlock()
	}()

	var lastErr error = ErrNoAddresses
	for _, addr := range addrs {
		raw, err := s.tpt.Dial(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}

		conn, err := s.upgrader.Upgrade(ctx, raw, types.DirOutbound, peer)
		if err != nil {
			// 握手失败只影响本次尝试：记录日志，继续下一个地址
			logger.Warn("出站握手失败",
				"peer", peer.ShortString(), "addr", addr, "error", err)
			lastErr = err
			continue
		}

		s.addConn(conn)
		return nil
	}
	return lastErr
}

// Connect 直连指定地址（对端身份由握手揭示）
func (s *Swarm) Connect(ctx context.Context, addr string) (types.NodeID, error) {
	if s.closed.Load() {
		return types.EmptyNodeID, ErrSwarmClosed
	}

	raw, err := s.tpt.Dial(ctx, addr)
	if err != nil {
		return types.EmptyNodeID, err
	}

	conn, err := s.upgrader.Upgrade(ctx, raw, types.DirOutbound, types.EmptyNodeID)
	if err != nil {
		return types.EmptyNodeID, err
	}
	if conn.RemotePeer() == s.local {
		conn.Close()
		return types.EmptyNodeID, ErrDialSelf
	}

	s.addConn(conn)
	return conn.RemotePeer(), nil
}

// ============================================================================
//                              接受循环
// ============================================================================

// acceptLoop 接受入站连接并异步升级
//
// 瞬时的 Accept 错误（如文件描述符耗尽）只影响当次接受，
// 退避后重试；循环仅在监听器关闭或节点停止时退出。
func (s *Swarm) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var retryDelay time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if retryDelay == 0 {
				retryDelay = 5 * time.Millisecond
			} else {
				retryDelay *= 2
			}
			if retryDelay > time.Second {
				retryDelay = time.Second
			}
			logger.Warn("接受连接失败，退避重试",
				"error", err, "retryDelay", retryDelay)
			select {
			case <-time.After(retryDelay):
				continue
			case <-s.ctx.Done():
				return
			}
		}
		retryDelay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			conn, err := s.upgrader.Upgrade(s.ctx, raw, types.DirInbound, types.EmptyNodeID)
			if err != nil {
				// 入站握手失败不致命：丢弃连接，只留一条日志
				logger.Warn("入站握手失败",
					"remoteAddr", raw.RemoteAddr().String(), "error", err)
				return
			}
			s.addConn(conn)
		}()
	}
}

// ============================================================================
//                              连接表
// ============================================================================

// addConn 将升级后的连接加入连接表
//
// 同一节点已有活跃连接时，新连接被静默关闭（至多一条连接的不变量；
// 同时发起的双向拨号由此收敛为单条连接）。
func (s *Swarm) addConn(conn *upgrader.Connection) {
	peer := conn.RemotePeer()

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if _, ok := s.conns[peer]; ok {
		s.mu.Unlock()
		logger.Debug("重复连接被丢弃", "peer", peer.ShortString())
		conn.Close()
		return
	}

	entry := &connEntry{conn: conn}
	s.conns[peer] = entry
	s.mu.Unlock()

	// 建连事件先于关闭监视发射，保证同一节点的事件因果有序：
	// 会话即刻死亡时，订阅者也先看到建立、再看到关闭。
	s.emit(types.EvtConnectionEstablished{
		BaseEvent:  types.NewBaseEvent(types.EventTypeConnectionEstablished, peer),
		RemoteAddr: conn.RemoteAddr(),
		Direction:  conn.Direction(),
	})

	s.wg.Add(2)
	go s.watchConn(entry)
	go s.acceptStreams(entry)
}

// Conn 返回指定节点的活跃连接
func (s *Swarm) Conn(peer types.NodeID) (*upgrader.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.conns[peer]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// Conns 返回全部活跃连接
func (s *Swarm) Conns() []*upgrader.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*upgrader.Connection, 0, len(s.conns))
	for _, entry := range s.conns {
		out = append(out, entry.conn)
	}
	return out
}

// ClosePeer 关闭到指定节点的连接并注明原因
func (s *Swarm) ClosePeer(peer types.NodeID, reason types.CloseReason) {
	s.mu.RLock()
	entry, ok := s.conns[peer]
	s.mu.RUnlock()
	if !ok {
		return
	}

	entry.reason.Store(int32(reason))
	entry.conn.Close()
	// watchConn 发射关闭事件
}

// CloseAll 关闭全部连接并注明原因
func (s *Swarm) CloseAll(reason types.CloseReason) {
	for _, conn := range s.Conns() {
		s.ClosePeer(conn.RemotePeer(), reason)
	}
}

// ============================================================================
//                              后台循环
// ============================================================================

// watchConn 监视会话关闭，从连接表移除并发射关闭事件
func (s *Swarm) watchConn(entry *connEntry) {
	defer s.wg.Done()

	<-entry.conn.CloseChan()

	peer := entry.conn.RemotePeer()
	s.mu.Lock()
	if cur, ok := s.conns[peer]; ok && cur == entry {
		delete(s.conns, peer)
	}
	s.mu.Unlock()

	reason := types.CloseReason(entry.reason.Load())
	if reason == types.ReasonUnknown {
		reason = types.ReasonRemote
	}

	entry.closeEvt.Do(func() {
		s.emit(types.EvtConnectionClosed{
			BaseEvent: types.NewBaseEvent(types.EventTypeConnectionClosed, peer),
			Reason:    reason,
		})
	})
}

// acceptStreams 接受入站逻辑流并路由到协议处理器
func (s *Swarm) acceptStreams(entry *connEntry) {
	defer s.wg.Done()

	for {
		stream, err := entry.conn.AcceptStream()
		if err != nil {
			if entry.conn.IsClosed() || s.ctx.Err() != nil {
				return
			}
			// 帧损坏等多路复用错误：关闭受影响的连接
			logger.Warn("多路复用错误，关闭连接",
				"peer", entry.conn.RemotePeer().ShortString(), "error", err)
			entry.reason.Store(int32(types.ReasonTransportError))
			entry.conn.Close()
			return
		}

		s.mu.RLock()
		handler, ok := s.handlers[stream.Protocol()]
		s.mu.RUnlock()

		if !ok {
			logger.Debug("未注册的协议，拒绝流",
				"peer", entry.conn.RemotePeer().ShortString(),
				"protocol", stream.Protocol().String())
			stream.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handler(stream)
		}()
	}
}

// ============================================================================
//                              关闭
// ============================================================================

// StopAccepting 停止接受新连接（关闭监听器）
func (s *Swarm) StopAccepting() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
}

// Close 关闭 swarm：停止接受新连接，关闭全部活跃连接
//
// reason 用于每条连接的关闭事件（正常退出时为 ReasonShutdown）。
// 返回前等待所有后台 goroutine 退出，保证关闭事件全部发射完毕。
func (s *Swarm) Close(reason types.CloseReason) {
	if s.closed.Swap(true) {
		return
	}

	s.StopAccepting()
	s.CloseAll(reason)
	s.cancel()
	s.wg.Wait()
}
