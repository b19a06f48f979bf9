// Package liveness 实现健康探测服务
//
// 每条已建立的连接拥有一条专用健康流，监视器在其上以固定间隔
// 发送带 nonce 的探测并等待回显，测量往返时延：
//   - 超时内收到匹配回显 → Healthy（记录 RTT）
//   - 连续 N 次超时 → Unhealthy（由调度器触发连接关闭）
//   - 回显 nonce 与最近一次探测不符 → 丢弃，不计为成功
package liveness

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lanshare/go-lanshare/internal/core/upgrader"
	"github.com/lanshare/go-lanshare/pkg/lib/log"
	"github.com/lanshare/go-lanshare/pkg/lib/wire"
	"github.com/lanshare/go-lanshare/pkg/types"
)

var logger = log.Logger("protocol/liveness")

// ProtocolID 健康探测协议标识
const ProtocolID = types.ProtocolID("/lanshare/ping/1.0.0")

// ErrInvalidConfig 配置非法
var ErrInvalidConfig = errors.New("liveness: invalid config")

// EmitFunc 事件发射回调
type EmitFunc func(types.Event)

// Config 健康探测配置
type Config struct {
	// Interval 探测间隔
	Interval time.Duration

	// Timeout 单次探测超时
	Timeout time.Duration

	// FailThreshold 连续超时阈值，达到后判定为 Unhealthy
	FailThreshold int
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Interval <= 0 || c.Timeout <= 0 || c.FailThreshold <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Monitor 健康监视器
type Monitor struct {
	cfg   *Config
	clock clock.Clock
	emit  EmitFunc

	mu    sync.Mutex
	loops map[types.NodeID]*probeLoop

	wg sync.WaitGroup
}

// New 创建健康监视器
func New(cfg *Config, emit EmitFunc) (*Monitor, error) {
	return NewWithClock(cfg, emit, clock.New())
}

// NewWithClock 创建使用指定时钟的健康监视器（测试用）
func NewWithClock(cfg *Config, emit EmitFunc, clk clock.Clock) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		cfg:   cfg,
		clock: clk,
		emit:  emit,
		loops: make(map[types.NodeID]*probeLoop),
	}, nil
}

// ============================================================================
//                              响应侧
// ============================================================================

// Handler 处理健康探测流（回显方）
//
// 循环读取探测并原样回显 nonce，直到流关闭。
func (m *Monitor) Handler(stream *upgrader.Stream) {
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

		pongData, err := encodePong(NewPongResponse(ping.Nonce))
		if err != nil {
			return
		}
		if err := wire.WriteMessage(stream, pongData); err != nil {
			return
		}
	}
}

// ============================================================================
//                              探测侧
// ============================================================================

// Track 开始监视一条连接
//
// 为连接启动专用探测循环；同一节点重复 Track 是空操作。
func (m *Monitor) Track(conn *upgrader.Connection) {
	peer := conn.RemotePeer()

	m.mu.Lock()
	if _, ok := m.loops[peer]; ok {
		m.mu.Unlock()
		return
	}
	loop := &probeLoop{
		monitor: m,
		conn:    conn,
		status:  newPeerStatus(m.cfg.FailThreshold),
		done:    make(chan struct{}),
	}
	m.loops[peer] = loop
	m.mu.Unlock()

	m.wg.Add(1)
	go loop.run()
}

// Untrack 停止监视指定节点
func (m *Monitor) Untrack(peer types.NodeID) {
	m.mu.Lock()
	loop, ok := m.loops[peer]
	if ok {
		delete(m.loops, peer)
	}
	m.mu.Unlock()

	if ok {
		loop.stop()
	}
}

// Status 返回指定节点的健康状态快照
func (m *Monitor) Status(peer types.NodeID) (types.HealthStatus, bool) {
	m.mu.Lock()
	loop, ok := m.loops[peer]
	m.mu.Unlock()

	if !ok {
		return types.HealthStatus{}, false
	}
	return loop.status.snapshot(), true
}

// Stop 停止全部探测循环
//
// 等待在途探测结束，最长等待 grace；超时后不再等待
// （循环在连接关闭时自行退出）。
func (m *Monitor) Stop(grace time.Duration) {
	m.mu.Lock()
	loops := make([]*probeLoop, 0, len(m.loops))
	for _, loop := range m.loops {
		loops = append(loops, loop)
	}
	m.loops = make(map[types.NodeID]*probeLoop)
	m.mu.Unlock()

	for _, loop := range loops {
		loop.stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		logger.Debug("健康监视器关闭超时，探测循环将随连接关闭退出")
	}
}

// ============================================================================
//                              探测循环
// ============================================================================

// probeLoop 单条连接的探测循环
type probeLoop struct {
	monitor *Monitor
	conn    *upgrader.Connection
	status  *peerStatus

	done     chan struct{}
	stopOnce sync.Once
}

// stop 停止探测循环（幂等）
func (l *probeLoop) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

// run 探测主循环
func (l *probeLoop) run() {
	defer l.monitor.wg.Done()

	m := l.monitor
	peer := l.conn.RemotePeer()

	ticker := m.clock.Ticker(m.cfg.Interval)
	defer ticker.Stop()

	var stream *upgrader.Stream
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()

	for {
		select {
		case <-l.done:
			return
		case <-l.conn.CloseChan():
			return
		case <-ticker.C:
		}

		// 专用健康流按需打开，此后复用
		if stream == nil {
			var err error
			stream, err = l.openStream()
			if err != nil {
				if l.conn.IsClosed() {
					return
				}
				l.reportFailure(peer)
				continue
			}
		}

		rtt, err := l.probeOnce(stream)
		if err != nil {
			if l.conn.IsClosed() {
				return
			}
			// 流级错误后重建流，下一轮重试
			if !isTimeout(err) {
				stream.Close()
				stream = nil
			}
			l.reportFailure(peer)
			continue
		}

		l.status.recordSuccess(rtt, m.clock.Now())
		m.emit(types.EvtProbeResult{
			BaseEvent: types.NewBaseEvent(types.EventTypeProbeResult, peer),
			RTT:       rtt,
		})
	}
}

// openStream 打开专用健康流
func (l *probeLoop) openStream() (*upgrader.Stream, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.monitor.cfg.Timeout)
	defer cancel()
	return l.conn.OpenStream(ctx, ProtocolID)
}

// probeOnce 发送一次探测并等待匹配回显
//
// 回显 nonce 与本次探测不符的响应（过期/重复）被丢弃，
// 继续在剩余超时窗口内等待；窗口耗尽计为一次超时。
func (l *probeLoop) probeOnce(stream *upgrader.Stream) (time.Duration, error) {
	ping := NewPingRequest()
	data, err := encodePing(ping)
	if err != nil {
		return 0, err
	}

	deadline := time.Now().Add(l.monitor.cfg.Timeout)
	_ = stream.SetWriteDeadline(deadline)
	start := l.monitor.clock.Now()

	if err := wire.WriteMessage(stream, data); err != nil {
		return 0, err
	}

	_ = stream.SetReadDeadline(deadline)
	defer stream.SetReadDeadline(time.Time{})

	for {
		pongData, err := wire.ReadMessage(stream)
		if err != nil {
			return 0, err
		}

		pong, err := decodePong(pongData)
		if err != nil {
			return 0, err
		}

		if pong.Nonce != ping.Nonce {
			logger.Debug("丢弃过期探测响应",
				"peer", l.conn.RemotePeer().ShortString())
			continue
		}

		return l.monitor.clock.Since(start), nil
	}
}

// reportFailure 记录一次失败并发射超时事件
func (l *probeLoop) reportFailure(peer types.NodeID) {
	fails := l.status.recordFailure()
	l.monitor.emit(types.EvtProbeResult{
		BaseEvent: types.NewBaseEvent(types.EventTypeProbeResult, peer),
		Timeout:   true,
		Fails:     fails,
	})
}

// isTimeout 判断错误是否为读写超时
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
