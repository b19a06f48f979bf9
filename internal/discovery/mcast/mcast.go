// Package mcast 实现本地网络多播发现
//
// 算法：周期性地在知名多播组上广播签名的在场公告，同时持续监听
// 其他节点的公告。收到的公告进入带 TTL 的缓存；缓存未命中（首见
// 或已过期后重现）的节点产生发现事件，命中的只刷新地址集。
// 缓存过期仅意味着候选地址不再被认为可达，注册表中的历史记录
// 永远不会因此删除。
package mcast

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lanshare/go-lanshare/internal/core/identity"
	"github.com/lanshare/go-lanshare/pkg/lib/log"
	"github.com/lanshare/go-lanshare/pkg/types"
)

var logger = log.Logger("discovery/mcast")

var (
	// ErrMalformedAnnounce 公告格式非法
	ErrMalformedAnnounce = errors.New("mcast: malformed announcement")
	// ErrUnauthenticated 公告签名或身份验证失败
	ErrUnauthenticated = errors.New("mcast: unauthenticated announcement")
	// ErrAlreadyStarted 服务已启动
	ErrAlreadyStarted = errors.New("mcast: already started")
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = errors.New("mcast: invalid config")
)

// maxAnnounceSize 单条公告的最大长度
const maxAnnounceSize = 4096

// cacheSize 公告缓存容量
//
// 本地网段的节点数量远小于该值；超出时按 LRU 淘汰最旧条目。
const cacheSize = 1024

// EmitFunc 事件发射回调
type EmitFunc func(types.Event)

// Config 多播发现配置
type Config struct {
	// GroupAddr 知名多播组地址
	GroupAddr string

	// Interval 公告发送间隔
	Interval time.Duration

	// TTL 公告缓存存活时间（应大于 Interval，容忍丢包）
	TTL time.Duration

	// ProtocolVersion 公告携带的协议族版本
	ProtocolVersion string
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.GroupAddr == "" || c.Interval <= 0 || c.TTL <= c.Interval {
		return ErrInvalidConfig
	}
	return nil
}

// Service 多播发现服务
type Service struct {
	id      *identity.Identity
	cfg     *Config
	emit    EmitFunc
	addrsFn func() []string // 本地可达地址提供者

	cache *expirable.LRU[types.NodeID, []string]

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	recvConn *net.UDPConn
	sendConn *net.UDPConn
}

// New 创建多播发现服务
//
// addrsFn 在每次公告时求值，监听地址变化无需重启服务。
func New(id *identity.Identity, cfg *Config, addrsFn func() []string, emit EmitFunc) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		id:      id,
		cfg:     cfg,
		emit:    emit,
		addrsFn: addrsFn,
		cache:   expirable.NewLRU[types.NodeID, []string](cacheSize, nil, cfg.TTL),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start 启动发现服务（监听 + 周期公告）
func (s *Service) Start() error {
	if s.started.Swap(true) {
		return ErrAlreadyStarted
	}

	group, err := net.ResolveUDPAddr("udp4", s.cfg.GroupAddr)
	if err != nil {
		return err
	}

	recvConn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return err
	}
	_ = recvConn.SetReadBuffer(maxAnnounceSize * 16)

	sendConn, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		recvConn.Close()
		return err
	}

	s.recvConn = recvConn
	s.sendConn = sendConn

	s.wg.Add(2)
	go s.listenLoop()
	go s.announceLoop()

	logger.Info("多播发现已启动",
		"group", s.cfg.GroupAddr,
		"interval", s.cfg.Interval,
		"ttl", s.cfg.TTL)
	return nil
}

// Stop 停止发现服务（幂等）
func (s *Service) Stop() {
	if !s.started.Load() {
		return
	}

	s.cancel()
	if s.recvConn != nil {
		s.recvConn.Close()
	}
	if s.sendConn != nil {
		s.sendConn.Close()
	}
	s.wg.Wait()
}

// ============================================================================
//                              发送侧
// ============================================================================

// announceLoop 周期性广播在场公告
func (s *Service) announceLoop() {
	defer s.wg.Done()

	// 启动即发送第一条，缩短两节点互见时间
	s.announceOnce()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.announceOnce()
		}
	}
}

// announceOnce 发送一条公告
func (s *Service) announceOnce() {
	addrs := s.addrsFn()
	if len(addrs) == 0 {
		logger.Debug("无可公告地址，跳过本轮公告")
		return
	}

	ann, err := newAnnouncement(s.id, addrs, s.cfg.ProtocolVersion)
	if err != nil {
		logger.Warn("公告构造失败", "error", err)
		return
	}

	data, err := encodeAnnouncement(ann)
	if err != nil {
		logger.Warn("公告编码失败", "error", err)
		return
	}

	if _, err := s.sendConn.Write(data); err != nil {
		if s.ctx.Err() == nil {
			logger.Warn("公告发送失败", "error", err)
		}
	}
}

// ============================================================================
//                              接收侧
// ============================================================================

// listenLoop 持续监听多播组上的公告
func (s *Service) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxAnnounceSize)
	for {
		n, src, err := s.recvConn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logger.Warn("多播读取失败", "error", err)
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handlePacket(data, src)
	}
}

// handlePacket 处理一条收到的公告数据报
//
// 非法或未认证的公告丢弃并记录一条日志，对注册表无任何影响。
func (s *Service) handlePacket(data []byte, src *net.UDPAddr) {
	ann, err := decodeAnnouncement(data)
	if err != nil {
		logger.Debug("丢弃非法公告", "src", src.String(), "error", err)
		return
	}

	peer, err := ann.verify()
	if err != nil {
		logger.Debug("丢弃未认证公告", "src", src.String(), "error", err)
		return
	}

	// 自己的公告经回环送回，忽略
	if peer == s.id.NodeID() {
		return
	}

	if len(ann.Addrs) == 0 {
		logger.Debug("丢弃无地址公告", "peer", peer.ShortString())
		return
	}

	s.observe(peer, ann.Addrs)
}

// observe 将验证过的公告并入缓存，必要时发射发现事件
//
// 公告是幂等的：缓存命中只刷新 TTL 与地址集（Refresh 事件，
// 调度器合并地址但不向外转发）；缓存未命中发射真正的发现事件。
func (s *Service) observe(peer types.NodeID, addrs []string) {
	_, known := s.cache.Get(peer)
	s.cache.Add(peer, addrs)

	s.emit(types.EvtPeerDiscovered{
		BaseEvent: types.NewBaseEvent(types.EventTypePeerDiscovered, peer),
		Addrs:     append([]string(nil), addrs...),
		Refresh:   known,
	})
}

// Candidates 返回当前未过期的候选节点
func (s *Service) Candidates() []types.PeerInfo {
	keys := s.cache.Keys()
	out := make([]types.PeerInfo, 0, len(keys))
	for _, k := range keys {
		if addrs, ok := s.cache.Get(k); ok {
			out = append(out, types.PeerInfo{ID: k, Addrs: addrs})
		}
	}
	return out
}
