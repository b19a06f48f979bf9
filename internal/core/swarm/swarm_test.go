package swarm

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanshare/go-lanshare/internal/core/identity"
	"github.com/lanshare/go-lanshare/internal/core/upgrader"
	"github.com/lanshare/go-lanshare/pkg/lib/wire"
	"github.com/lanshare/go-lanshare/pkg/types"
)

// testSwarm 创建一个监听在回环地址上的 swarm 与其事件通道
func testSwarm(t *testing.T) (*Swarm, chan types.Event) {
	t.Helper()

	id, err := identity.Generate()
	require.NoError(t, err)
	up, err := upgrader.New(id, 5*time.Second)
	require.NoError(t, err)

	events := make(chan types.Event, 64)
	s := New(id, up, func(evt types.Event) { events <- evt })
	require.NoError(t, s.Listen("127.0.0.1:0"))

	t.Cleanup(func() { s.Close(types.ReasonShutdown) })
	return s, events
}

// waitEvent 等待指定类型的事件
func waitEvent(t *testing.T, events chan types.Event, eventType string) types.Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type() == eventType {
				return evt
			}
		case <-deadline:
			t.Fatalf("等待 %s 事件超时", eventType)
			return nil
		}
	}
}

// TestConnect 测试直连建立双向连接
func TestConnect(t *testing.T) {
	a, aEvents := testSwarm(t)
	b, bEvents := testSwarm(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := a.Connect(ctx, b.ListenAddr())
	require.NoError(t, err)
	assert.Equal(t, b.LocalPeer(), peer)

	// 双方都收到建连事件
	aEvt := waitEvent(t, aEvents, types.EventTypeConnectionEstablished).(types.EvtConnectionEstablished)
	assert.Equal(t, b.LocalPeer(), aEvt.Peer())
	assert.Equal(t, types.DirOutbound, aEvt.Direction)

	bEvt := waitEvent(t, bEvents, types.EventTypeConnectionEstablished).(types.EvtConnectionEstablished)
	assert.Equal(t, a.LocalPeer(), bEvt.Peer())
	assert.Equal(t, types.DirInbound, bEvt.Direction)

	// 连接表双向可见
	_, ok := a.Conn(b.LocalPeer())
	assert.True(t, ok)
}

// TestDialPeer_NoopWhenConnected 测试重复拨号是空操作
//
// 每个节点同一时刻至多一条活跃连接。
func TestDialPeer_NoopWhenConnected(t *testing.T) {
	a, aEvents := testSwarm(t)
	b, _ := testSwarm(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.Connect(ctx, b.ListenAddr())
	require.NoError(t, err)
	waitEvent(t, aEvents, types.EventTypeConnectionEstablished)

	require.NoError(t, a.DialPeer(ctx, b.LocalPeer(), []string{b.ListenAddr()}))

	assert.Len(t, a.Conns(), 1)
	// 没有第二个建连事件
	select {
	case evt := <-aEvents:
		t.Fatalf("不应有额外事件: %s", evt.Type())
	case <-time.After(200 * time.Millisecond):
	}
}

// TestDialPeer_Self 测试拨号自身被拒绝
func TestDialPeer_Self(t *testing.T) {
	a, _ := testSwarm(t)

	err := a.DialPeer(context.Background(), a.LocalPeer(), []string{a.ListenAddr()})
	assert.ErrorIs(t, err, ErrDialSelf)
}

// TestDialPeer_NoAddresses 测试无候选地址
func TestDialPeer_NoAddresses(t *testing.T) {
	a, _ := testSwarm(t)

	var peer types.NodeID
	peer[0] = 9
	err := a.DialPeer(context.Background(), peer, nil)
	assert.ErrorIs(t, err, ErrNoAddresses)
}

// TestDialPeer_BadAddrFallback 测试失效地址后尝试后续候选
func TestDialPeer_BadAddrFallback(t *testing.T) {
	a, aEvents := testSwarm(t)
	b, _ := testSwarm(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.DialPeer(ctx, b.LocalPeer(), []string{"127.0.0.1:1", b.ListenAddr()})
	require.NoError(t, err)

	evt := waitEvent(t, aEvents, types.EventTypeConnectionEstablished)
	assert.Equal(t, b.LocalPeer(), evt.Peer())
}

// TestClosePeer_Reason 测试带原因的关闭恰好发射一次关闭事件
func TestClosePeer_Reason(t *testing.T) {
	a, aEvents := testSwarm(t)
	b, bEvents := testSwarm(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.Connect(ctx, b.ListenAddr())
	require.NoError(t, err)
	waitEvent(t, aEvents, types.EventTypeConnectionEstablished)
	waitEvent(t, bEvents, types.EventTypeConnectionEstablished)

	a.ClosePeer(b.LocalPeer(), types.ReasonHealthCheckFailure)

	evt := waitEvent(t, aEvents, types.EventTypeConnectionClosed).(types.EvtConnectionClosed)
	assert.Equal(t, types.ReasonHealthCheckFailure, evt.Reason)
	assert.Equal(t, b.LocalPeer(), evt.Peer())

	// 对端观察到远程关闭
	bEvt := waitEvent(t, bEvents, types.EventTypeConnectionClosed).(types.EvtConnectionClosed)
	assert.Equal(t, types.ReasonRemote, bEvt.Reason)

	// 连接表已清理，且没有第二个关闭事件
	_, ok := a.Conn(b.LocalPeer())
	assert.False(t, ok)
	select {
	case evt := <-aEvents:
		t.Fatalf("不应有额外事件: %s", evt.Type())
	case <-time.After(200 * time.Millisecond):
	}
}

// TestStreamHandlerRouting 测试入站流按协议路由
func TestStreamHandlerRouting(t *testing.T) {
	a, aEvents := testSwarm(t)
	b, _ := testSwarm(t)

	const proto = types.ProtocolID("/lanshare/echo/1.0.0")
	received := make(chan []byte, 1)
	b.SetStreamHandler(proto, func(stream *upgrader.Stream) {
		defer stream.Close()
		data, err := wire.ReadMessage(stream)
		if err == nil {
			received <- data
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := a.Connect(ctx, b.ListenAddr())
	require.NoError(t, err)
	waitEvent(t, aEvents, types.EventTypeConnectionEstablished)

	conn, ok := a.Conn(peer)
	require.True(t, ok)

	stream, err := conn.OpenStream(ctx, proto)
	require.NoError(t, err)
	defer stream.Close()
	require.NoError(t, wire.WriteMessage(stream, []byte("ping")))

	select {
	case data := <-received:
		assert.Equal(t, []byte("ping"), data)
	case <-time.After(3 * time.Second):
		t.Fatal("处理器未收到流数据")
	}
}

// TestClose_ShutdownEvents 测试关闭时每条连接恰好一个 Shutdown 事件
func TestClose_ShutdownEvents(t *testing.T) {
	a, aEvents := testSwarm(t)
	b, _ := testSwarm(t)
	c, _ := testSwarm(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.Connect(ctx, b.ListenAddr())
	require.NoError(t, err)
	_, err = a.Connect(ctx, c.ListenAddr())
	require.NoError(t, err)
	waitEvent(t, aEvents, types.EventTypeConnectionEstablished)
	waitEvent(t, aEvents, types.EventTypeConnectionEstablished)

	a.Close(types.ReasonShutdown)

	seen := make(map[types.NodeID]int)
	for i := 0; i < 2; i++ {
		evt := waitEvent(t, aEvents, types.EventTypeConnectionClosed).(types.EvtConnectionClosed)
		assert.Equal(t, types.ReasonShutdown, evt.Reason)
		seen[evt.Peer()]++
	}
	assert.Len(t, seen, 2)
	for peer, count := range seen {
		assert.Equal(t, 1, count, "节点 %s 收到多个关闭事件", peer.ShortString())
	}

	// 关闭后拒绝新拨号
	err = a.DialPeer(ctx, b.LocalPeer(), []string{b.ListenAddr()})
	assert.ErrorIs(t, err, ErrSwarmClosed)
}

// connPair 返回一对升级完成的双向连接（不归任何 swarm 管理）
func connPair(t *testing.T) (*upgrader.Connection, *upgrader.Connection) {
	t.Helper()

	dialID, err := identity.Generate()
	require.NoError(t, err)
	acceptID, err := identity.Generate()
	require.NoError(t, err)
	dialUp, err := upgrader.New(dialID, 5*time.Second)
	require.NoError(t, err)
	acceptUp, err := upgrader.New(acceptID, 5*time.Second)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		conn *upgrader.Connection
		err  error
	}
	inCh := make(chan result, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			inCh <- result{nil, err}
			return
		}
		conn, err := acceptUp.Upgrade(context.Background(), raw, types.DirInbound, types.EmptyNodeID)
		inCh <- result{conn, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	out, err := dialUp.Upgrade(ctx, raw, types.DirOutbound, acceptID.NodeID())
	require.NoError(t, err)

	in := <-inCh
	require.NoError(t, in.err)
	return out, in.conn
}

// TestAddConn_EventOrderOnDeadSession 测试即刻死亡的连接事件仍然有序
//
// 连接加入连接表时会话可能已经死亡（例如对端按重复连接原则
// 丢弃了它），订阅者必须先看到建连事件、再看到关闭事件。
func TestAddConn_EventOrderOnDeadSession(t *testing.T) {
	s, events := testSwarm(t)

	out, in := connPair(t)
	require.NoError(t, in.Close())

	s.addConn(out)

	select {
	case evt := <-events:
		require.Equal(t, types.EventTypeConnectionEstablished, evt.Type(),
			"第一个事件必须是建连")
	case <-time.After(5 * time.Second):
		t.Fatal("等待建连事件超时")
	}

	closed := waitEvent(t, events, types.EventTypeConnectionClosed).(types.EvtConnectionClosed)
	assert.Equal(t, out.RemotePeer(), closed.Peer())
	assert.Equal(t, types.ReasonRemote, closed.Reason)
}

// flakyListener 前若干次 Accept 返回瞬时错误，随后报告已关闭
type flakyListener struct {
	mu        sync.Mutex
	calls     int
	transient int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls <= l.transient {
		return nil, errors.New("accept tcp: too many open files")
	}
	return nil, net.ErrClosed
}

func (l *flakyListener) Close() error   { return nil }
func (l *flakyListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func (l *flakyListener) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// TestAcceptLoop_RetriesTransientErrors 测试瞬时接受错误不终止接受循环
//
// 文件描述符耗尽等瞬时错误只影响当次接受，循环退避后继续；
// 只有监听器关闭或节点停止才退出。
func TestAcceptLoop_RetriesTransientErrors(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	up, err := upgrader.New(id, 5*time.Second)
	require.NoError(t, err)

	s := New(id, up, func(types.Event) {})
	t.Cleanup(func() { s.Close(types.ReasonShutdown) })

	ln := &flakyListener{transient: 2}
	s.wg.Add(1)
	go s.acceptLoop(ln)

	require.Eventually(t, func() bool {
		return ln.callCount() == 3
	}, 3*time.Second, 10*time.Millisecond, "瞬时错误后接受循环未继续")
}
