package liveness

import (
	"context"
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

// connPair 建立一对已升级的连接
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		conn *upgrader.Connection
		err  error
	}
	acceptCh := make(chan result, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			acceptCh <- result{nil, err}
			return
		}
		conn, err := acceptUp.Upgrade(ctx, raw, types.DirInbound, types.EmptyNodeID)
		acceptCh <- result{conn, err}
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	dialConn, err := dialUp.Upgrade(ctx, raw, types.DirOutbound, types.EmptyNodeID)
	require.NoError(t, err)

	acc := <-acceptCh
	require.NoError(t, acc.err)

	t.Cleanup(func() {
		dialConn.Close()
		acc.conn.Close()
	})
	return dialConn, acc.conn
}

// eventCollector 线程安全的事件收集器
type eventCollector struct {
	mu     sync.Mutex
	events []types.EvtProbeResult
}

func (c *eventCollector) emit(evt types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pr, ok := evt.(types.EvtProbeResult); ok {
		c.events = append(c.events, pr)
	}
}

func (c *eventCollector) snapshot() []types.EvtProbeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.EvtProbeResult(nil), c.events...)
}

// serveEcho 让一侧持续处理入站健康流
func serveEcho(t *testing.T, conn *upgrader.Connection, m *Monitor) {
	t.Helper()
	go func() {
		for {
			stream, err := conn.AcceptStream()
			if err != nil {
				return
			}
			go m.Handler(stream)
		}
	}()
}

// TestConfig_Validate 测试配置校验
func TestConfig_Validate(t *testing.T) {
	valid := &Config{Interval: time.Second, Timeout: time.Second, FailThreshold: 3}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"间隔为零", func(c *Config) { c.Interval = 0 }},
		{"超时为零", func(c *Config) { c.Timeout = 0 }},
		{"阈值为零", func(c *Config) { c.FailThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *valid
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

// TestHandler_Echo 测试回显方原样返回 nonce
func TestHandler_Echo(t *testing.T) {
	dialConn, acceptConn := connPair(t)

	m, err := New(&Config{Interval: time.Second, Timeout: time.Second, FailThreshold: 3},
		func(types.Event) {})
	require.NoError(t, err)
	serveEcho(t, acceptConn, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := dialConn.OpenStream(ctx, ProtocolID)
	require.NoError(t, err)
	defer stream.Close()

	ping := NewPingRequest()
	data, err := encodePing(ping)
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(stream, data))

	_ = stream.SetReadDeadline(time.Now().Add(3 * time.Second))
	pongData, err := wire.ReadMessage(stream)
	require.NoError(t, err)

	pong, err := decodePong(pongData)
	require.NoError(t, err)
	assert.Equal(t, ping.Nonce, pong.Nonce)

	// 同一条流上的第二次探测同样被回显
	ping2 := NewPingRequest()
	data2, err := encodePing(ping2)
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(stream, data2))

	pongData2, err := wire.ReadMessage(stream)
	require.NoError(t, err)
	pong2, err := decodePong(pongData2)
	require.NoError(t, err)
	assert.Equal(t, ping2.Nonce, pong2.Nonce)
	assert.NotEqual(t, pong.Nonce, pong2.Nonce)
}

// TestMonitor_HealthyProbes 测试正常探测产生带 RTT 的成功事件
func TestMonitor_HealthyProbes(t *testing.T) {
	dialConn, acceptConn := connPair(t)

	echoM, err := New(&Config{Interval: time.Hour, Timeout: time.Second, FailThreshold: 3},
		func(types.Event) {})
	require.NoError(t, err)
	serveEcho(t, acceptConn, echoM)

	collector := &eventCollector{}
	m, err := New(&Config{
		Interval:      30 * time.Millisecond,
		Timeout:       2 * time.Second,
		FailThreshold: 3,
	}, collector.emit)
	require.NoError(t, err)

	m.Track(dialConn)
	defer m.Stop(time.Second)

	require.Eventually(t, func() bool {
		return len(collector.snapshot()) >= 2
	}, 5*time.Second, 20*time.Millisecond, "未收到足够的探测结果")

	for _, evt := range collector.snapshot() {
		assert.False(t, evt.Timeout)
		assert.Greater(t, evt.RTT, time.Duration(0))
		assert.Equal(t, dialConn.RemotePeer(), evt.Peer())
	}

	status, ok := m.Status(dialConn.RemotePeer())
	require.True(t, ok)
	assert.Equal(t, types.HealthHealthy, status.State)
	assert.Greater(t, status.AvgRTT, time.Duration(0))
}

// TestMonitor_TimeoutThreshold 测试连续超时累计至阈值
//
// 对端不回显，每轮探测超时并携带递增的连续失败计数。
func TestMonitor_TimeoutThreshold(t *testing.T) {
	dialConn, _ := connPair(t)
	// 对端不处理健康流

	collector := &eventCollector{}
	m, err := New(&Config{
		Interval:      30 * time.Millisecond,
		Timeout:       80 * time.Millisecond,
		FailThreshold: 3,
	}, collector.emit)
	require.NoError(t, err)

	m.Track(dialConn)
	defer m.Stop(time.Second)

	require.Eventually(t, func() bool {
		return len(collector.snapshot()) >= 3
	}, 5*time.Second, 20*time.Millisecond, "未收到足够的超时结果")

	events := collector.snapshot()[:3]
	for i, evt := range events {
		assert.True(t, evt.Timeout)
		assert.Equal(t, i+1, evt.Fails)
	}

	status, ok := m.Status(dialConn.RemotePeer())
	require.True(t, ok)
	assert.Equal(t, types.HealthUnhealthy, status.State)
}

// TestMonitor_StaleNonceDiscarded 测试过期响应被丢弃
//
// 回显方先返回一个伪造的旧 nonce 再返回正确的，探测方应跳过
// 前者并以后者计成功。
func TestMonitor_StaleNonceDiscarded(t *testing.T) {
	dialConn, acceptConn := connPair(t)

	// 定制回显：第一条响应携带错误 nonce
	go func() {
		stream, err := acceptConn.AcceptStream()
		if err != nil {
			return
		}
		defer stream.Close()
		for {
			data, err := wire.ReadMessage(stream)
			if err != nil {
				return
			}
			ping, err := decodePing(data)
			if err != nil {
				return
			}

			stale, _ := encodePong(NewPongResponse("00000000-dead-beef-0000-000000000000"))
			if err := wire.WriteMessage(stream, stale); err != nil {
				return
			}
			good, _ := encodePong(NewPongResponse(ping.Nonce))
			if err := wire.WriteMessage(stream, good); err != nil {
				return
			}
		}
	}()

	collector := &eventCollector{}
	m, err := New(&Config{
		Interval:      30 * time.Millisecond,
		Timeout:       2 * time.Second,
		FailThreshold: 3,
	}, collector.emit)
	require.NoError(t, err)

	m.Track(dialConn)
	defer m.Stop(time.Second)

	require.Eventually(t, func() bool {
		return len(collector.snapshot()) >= 1
	}, 5*time.Second, 20*time.Millisecond)

	evt := collector.snapshot()[0]
	assert.False(t, evt.Timeout, "过期响应不应计为成功或失败")
	assert.Greater(t, evt.RTT, time.Duration(0))
}

// TestMonitor_TrackIdempotent 测试重复 Track 同一连接是空操作
func TestMonitor_TrackIdempotent(t *testing.T) {
	dialConn, acceptConn := connPair(t)

	echoM, err := New(&Config{Interval: time.Hour, Timeout: time.Second, FailThreshold: 3},
		func(types.Event) {})
	require.NoError(t, err)
	serveEcho(t, acceptConn, echoM)

	m, err := New(&Config{
		Interval:      50 * time.Millisecond,
		Timeout:       time.Second,
		FailThreshold: 3,
	}, func(types.Event) {})
	require.NoError(t, err)

	m.Track(dialConn)
	m.Track(dialConn)
	defer m.Stop(time.Second)

	_, ok := m.Status(dialConn.RemotePeer())
	assert.True(t, ok)
}

// TestMonitor_Untrack 测试停止监视后状态不再可见
func TestMonitor_Untrack(t *testing.T) {
	dialConn, _ := connPair(t)

	m, err := New(&Config{
		Interval:      time.Hour,
		Timeout:       time.Second,
		FailThreshold: 3,
	}, func(types.Event) {})
	require.NoError(t, err)

	m.Track(dialConn)
	peer := dialConn.RemotePeer()

	_, ok := m.Status(peer)
	require.True(t, ok)

	m.Untrack(peer)
	_, ok = m.Status(peer)
	assert.False(t, ok)
}
