package lanshare

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lanshare/go-lanshare/internal/core/identity"
	"github.com/lanshare/go-lanshare/internal/core/peerstore"
	"github.com/lanshare/go-lanshare/internal/core/swarm"
	"github.com/lanshare/go-lanshare/internal/core/upgrader"
	"github.com/lanshare/go-lanshare/internal/discovery/mcast"
	"github.com/lanshare/go-lanshare/internal/protocol/identify"
	"github.com/lanshare/go-lanshare/internal/protocol/liveness"
	"github.com/lanshare/go-lanshare/internal/util/netutil"
	"github.com/lanshare/go-lanshare/pkg/lib/log"
	"github.com/lanshare/go-lanshare/pkg/types"
)

var logger = log.Logger("node")

// Node 是本地节点的上下文对象
//
// 持有全部组件（发现、传输、身份交换、健康监测、注册表）并运行
// 事件调度循环。调度循环是注册表的唯一写入方：每个事件恰好触发
// 一次注册表变更、一行日志、一次订阅者转发，以及必要的后续动作
// （发现→拨号、建连→身份交换与健康监测、不健康→关闭连接）。
type Node struct {
	opts *options
	id   *identity.Identity

	store     *peerstore.Peerstore
	swarm     *swarm.Swarm
	discovery *mcast.Service
	identify  *identify.Service
	monitor   *liveness.Monitor

	// events 所有子协议汇入的事件通道
	events chan types.Event

	// tasks 调度器派生的异步后续动作（拨号、身份交换）
	tasks errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc

	dispatchDone chan struct{}

	subMu      sync.Mutex
	subs       []chan types.Event
	subsClosed bool

	stateMu sync.Mutex
	started bool
	closed  bool
}

// New 创建节点
//
// 身份来源优先级：WithPrivateKey > WithIdentityFile（加载或生成并保存）>
// 临时生成。熵源失败直接返回错误，节点无法在没有身份的情况下工作。
func New(opts ...Option) (*Node, error) {
	o := defaultOptions()
	if err := o.apply(opts...); err != nil {
		return nil, err
	}

	id, err := buildIdentity(o)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		opts:         o,
		id:           id,
		store:        peerstore.New(),
		events:       make(chan types.Event, o.eventBufSize),
		ctx:          ctx,
		cancel:       cancel,
		dispatchDone: make(chan struct{}),
	}

	up, err := upgrader.New(id, o.handshakeTimeout)
	if err != nil {
		cancel()
		return nil, err
	}
	n.swarm = swarm.New(id, up, n.emit)

	protocols := []types.ProtocolID{identify.ProtocolID, liveness.ProtocolID}
	n.identify = identify.New(id, n.advertiseAddrs, protocols, o.agentVersion, o.protocolVersion)

	n.monitor, err = liveness.New(&liveness.Config{
		Interval:      o.probe.interval,
		Timeout:       o.probe.timeout,
		FailThreshold: o.probe.failThreshold,
	}, n.emit)
	if err != nil {
		cancel()
		return nil, err
	}

	if o.discovery.enable {
		n.discovery, err = mcast.New(id, &mcast.Config{
			GroupAddr:       o.discovery.groupAddr,
			Interval:        o.discovery.interval,
			TTL:             o.discovery.ttl,
			ProtocolVersion: o.protocolVersion,
		}, n.advertiseAddrs, n.emit)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	n.swarm.SetStreamHandler(identify.ProtocolID, n.identify.Handler)
	n.swarm.SetStreamHandler(liveness.ProtocolID, n.monitor.Handler)

	return n, nil
}

// buildIdentity 按选项解析本地身份
func buildIdentity(o *options) (*identity.Identity, error) {
	switch {
	case o.privateKey != nil:
		return identity.FromPrivateKey(o.privateKey), nil
	case o.identityKeyFile != "":
		return identity.LoadOrGenerate(o.identityKeyFile)
	default:
		return identity.Generate()
	}
}

// Start 启动节点
//
// 绑定监听器失败是致命错误；发现服务无法加入组播组同样致命
// （节点将既不可见也看不见别人）。
func (n *Node) Start() error {
	n.stateMu.Lock()
	if n.closed {
		n.stateMu.Unlock()
		return ErrNodeClosed
	}
	if n.started {
		n.stateMu.Unlock()
		return ErrNodeStarted
	}
	n.started = true
	n.stateMu.Unlock()

	if err := n.swarm.Listen(n.opts.listenAddr); err != nil {
		return err
	}

	go n.dispatch()

	if n.discovery != nil {
		if err := n.discovery.Start(); err != nil {
			n.swarm.Close(types.ReasonShutdown)
			return err
		}
	}

	logger.Info("节点已启动",
		"id", n.id.NodeID().ShortString(),
		"listen", n.swarm.ListenAddr())
	return nil
}

// ID 返回本地节点标识
func (n *Node) ID() types.NodeID {
	return n.id.NodeID()
}

// ListenAddr 返回实际监听地址（Start 之后有效）
func (n *Node) ListenAddr() string {
	return n.swarm.ListenAddr()
}

// Connect 主动连接指定地址的节点
//
// 对端身份在握手中揭示并验证，返回其 NodeID。
func (n *Node) Connect(ctx context.Context, addr string) (types.NodeID, error) {
	return n.swarm.Connect(ctx, addr)
}

// Peers 返回注册表的全量快照
func (n *Node) Peers() []types.PeerRecord {
	return n.store.Snapshot()
}

// Peer 返回指定节点的注册表记录副本
func (n *Node) Peer(id types.NodeID) (types.PeerRecord, bool) {
	return n.store.Peer(id)
}

// Subscribe 订阅事件流
//
// 返回带缓冲的事件通道；消费过慢时丢弃新事件而不阻塞调度器。
// 节点关闭后通道被关闭。
func (n *Node) Subscribe() <-chan types.Event {
	ch := make(chan types.Event, n.opts.subBufSize)

	n.subMu.Lock()
	defer n.subMu.Unlock()
	if n.subsClosed {
		close(ch)
		return ch
	}
	n.subs = append(n.subs, ch)
	return ch
}

// Close 关闭节点
//
// 顺序：停止发现与新连接接入 → 等待在途探测（受 shutdownGrace 约束）→
// 关闭全部连接（每条连接恰好产生一个 ReasonShutdown 关闭事件）→
// 排空事件通道 → 关闭订阅通道。幂等。
func (n *Node) Close() error {
	n.stateMu.Lock()
	if n.closed {
		n.stateMu.Unlock()
		return nil
	}
	n.closed = true
	started := n.started
	n.stateMu.Unlock()

	if n.discovery != nil {
		n.discovery.Stop()
	}

	if started {
		n.swarm.StopAccepting()
		n.monitor.Stop(n.opts.shutdownGrace)
		n.swarm.Close(types.ReasonShutdown)
		_ = n.tasks.Wait()

		n.cancel()
		<-n.dispatchDone
	} else {
		n.cancel()
		n.closeSubs()
	}

	logger.Info("节点已关闭", "id", n.id.NodeID().ShortString())
	return nil
}

// ============================================================================
//                              事件调度
// ============================================================================

// emit 将事件送入调度通道
//
// 节点关闭后的迟到事件被丢弃，发射方永不阻塞在已停止的调度器上。
func (n *Node) emit(evt types.Event) {
	select {
	case n.events <- evt:
	case <-n.ctx.Done():
	}
}

// dispatch 事件调度主循环
func (n *Node) dispatch() {
	defer close(n.dispatchDone)
	defer n.closeSubs()

	for {
		select {
		case evt := <-n.events:
			n.handleEvent(evt)
		case <-n.ctx.Done():
			// 关闭前排空缓冲中的事件
			for {
				select {
				case evt := <-n.events:
					n.handleEvent(evt)
				default:
					return
				}
			}
		}
	}
}

// handleEvent 处理单个事件
//
// 注册表变更只发生在这里。同一节点的事件按到达顺序串行处理，
// 保持因果序：发现先于建连，建连先于身份交换与健康结果，
// 健康失败先于由它触发的关闭事件。
func (n *Node) handleEvent(evt types.Event) {
	switch e := evt.(type) {
	case types.EvtPeerDiscovered:
		n.onPeerDiscovered(e)
	case types.EvtConnectionEstablished:
		n.onConnectionEstablished(e)
	case types.EvtPeerIdentified:
		n.onPeerIdentified(e)
	case types.EvtProbeResult:
		n.onProbeResult(e)
	case types.EvtConnectionClosed:
		n.onConnectionClosed(e)
	default:
		logger.Warn("未知事件类型", "type", evt.Type())
	}
}

// onPeerDiscovered 处理发现事件
//
// 重复通告（Refresh）只合并地址集，不向订阅者转发；但若此时
// 与该节点已无活跃连接（此前因传输错误或健康失败断开），
// 持续通告意味着对端仍然可达，凭刷新公告重新拨号。
func (n *Node) onPeerDiscovered(e types.EvtPeerDiscovered) {
	peer := e.Peer()
	n.store.MergeAddrs(peer, e.Addrs, e.Timestamp())

	if e.Refresh {
		if _, ok := n.swarm.Conn(peer); ok {
			return
		}
		logger.Debug("对端仍在通告且无活跃连接，重新拨号",
			"peer", peer.ShortString())
		n.dialPeer(peer, e.Addrs)
		return
	}

	logger.Info("发现节点",
		"peer", peer.ShortString(),
		"addrs", e.Addrs)
	n.forward(e)
	n.dialPeer(peer, e.Addrs)
}

// dialPeer 异步发起拨号
//
// 已连接或正在拨号的节点由 swarm 去重；关闭阶段排空的事件
// 不再派生拨号。
func (n *Node) dialPeer(peer types.NodeID, addrs []string) {
	if n.ctx.Err() != nil {
		return
	}

	n.tasks.Go(func() error {
		ctx, cancel := context.WithTimeout(n.ctx, n.opts.handshakeTimeout)
		defer cancel()
		if err := n.swarm.DialPeer(ctx, peer, addrs); err != nil {
			logger.Debug("拨号失败",
				"peer", peer.ShortString(),
				"err", err)
		}
		return nil
	})
}

// onConnectionEstablished 处理建连事件
//
// 身份交换异步发起（超时不关闭连接，对端保持已连接未识别状态）；
// 健康监测立即开始，与身份交换互不依赖。
func (n *Node) onConnectionEstablished(e types.EvtConnectionEstablished) {
	peer := e.Peer()
	n.store.MergeAddrs(peer, []string{e.RemoteAddr}, e.Timestamp())

	logger.Info("连接已建立",
		"peer", peer.ShortString(),
		"addr", e.RemoteAddr,
		"direction", e.Direction)
	n.forward(e)

	conn, ok := n.swarm.Conn(peer)
	if !ok || n.ctx.Err() != nil {
		return
	}

	n.monitor.Track(conn)
	n.tasks.Go(func() error {
		n.runIdentify(peer, conn)
		return nil
	})
}

// runIdentify 对一条连接执行恰好一次身份交换
func (n *Node) runIdentify(peer types.NodeID, conn *upgrader.Connection) {
	ctx, cancel := context.WithTimeout(n.ctx, n.opts.identifyTimeout)
	defer cancel()

	md, err := n.identify.Identify(ctx, conn)
	if err != nil {
		logger.Warn("身份交换失败",
			"peer", peer.ShortString(),
			"err", err)
		return
	}

	n.emit(types.EvtPeerIdentified{
		BaseEvent: types.NewBaseEvent(types.EventTypePeerIdentified, peer),
		Metadata:  *md,
	})
}

// onPeerIdentified 处理身份交换完成事件
func (n *Node) onPeerIdentified(e types.EvtPeerIdentified) {
	n.store.SetMetadata(e.Peer(), e.Metadata, e.Timestamp())

	logger.Info("节点已识别",
		"peer", e.Peer().ShortString(),
		"agent", e.Metadata.AgentVersion,
		"protocols", len(e.Metadata.Protocols))
	n.forward(e)
}

// onProbeResult 处理健康探测结果
//
// 连续超时达到阈值时恰好触发一次 HealthCheckFailure 关闭。
func (n *Node) onProbeResult(e types.EvtProbeResult) {
	peer := e.Peer()
	if status, ok := n.monitor.Status(peer); ok {
		n.store.SetHealth(peer, status, e.Timestamp())
	}

	if e.Timeout {
		logger.Warn("探测超时",
			"peer", peer.ShortString(),
			"fails", e.Fails)
	} else {
		logger.Debug("探测成功",
			"peer", peer.ShortString(),
			"rtt", e.RTT)
	}
	n.forward(e)

	if e.Timeout && e.Fails == n.opts.probe.failThreshold {
		logger.Warn("节点健康检查失败，关闭连接",
			"peer", peer.ShortString())
		n.swarm.ClosePeer(peer, types.ReasonHealthCheckFailure)
	}
}

// onConnectionClosed 处理连接关闭事件
func (n *Node) onConnectionClosed(e types.EvtConnectionClosed) {
	peer := e.Peer()
	n.monitor.Untrack(peer)
	n.store.Ensure(peer, e.Timestamp())

	logger.Info("连接已关闭",
		"peer", peer.ShortString(),
		"reason", e.Reason)
	n.forward(e)
}

// forward 将事件转发给全部订阅者（非阻塞，慢消费者丢弃）
func (n *Node) forward(evt types.Event) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// closeSubs 关闭全部订阅通道（幂等）
func (n *Node) closeSubs() {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	if n.subsClosed {
		return
	}
	n.subsClosed = true
	for _, ch := range n.subs {
		close(ch)
	}
	n.subs = nil
}

// advertiseAddrs 返回对外通告的监听地址列表
//
// 通配监听地址展开为各接口上的具体地址；监听器未就绪时返回空。
func (n *Node) advertiseAddrs() []string {
	listen := n.swarm.ListenAddr()
	if listen == "" {
		return nil
	}
	addrs, err := netutil.ExpandListenAddr(listen)
	if err != nil {
		logger.Debug("地址展开失败", "listen", listen, "err", err)
		return nil
	}
	return addrs
}
