package lanshare

import (
	"crypto/ed25519"
	"fmt"
	"time"
)

// Option 用户配置选项函数
type Option func(*options) error

// options 内部选项结构
type options struct {
	// 身份配置
	identityKeyFile string
	privateKey      ed25519.PrivateKey

	// 监听地址
	listenAddr string

	// 版本标识
	agentVersion    string
	protocolVersion string

	// 握手超时
	handshakeTimeout time.Duration

	// 身份交换超时
	identifyTimeout time.Duration

	// 发现配置
	discovery struct {
		enable    bool
		groupAddr string
		interval  time.Duration
		ttl       time.Duration
	}

	// 健康探测配置
	probe struct {
		interval      time.Duration
		timeout       time.Duration
		failThreshold int
	}

	// 事件通道缓冲
	eventBufSize int

	// 订阅通道缓冲
	subBufSize int

	// 关闭时在途探测的等待上限
	shutdownGrace time.Duration
}

// defaultOptions 返回默认配置
func defaultOptions() *options {
	o := &options{
		listenAddr:       "0.0.0.0:0",
		agentVersion:     "go-lanshare/1.0.0",
		protocolVersion:  "lanshare/1.0.0",
		handshakeTimeout: 10 * time.Second,
		identifyTimeout:  10 * time.Second,
		eventBufSize:     64,
		subBufSize:       32,
		shutdownGrace:    3 * time.Second,
	}
	o.discovery.enable = true
	o.discovery.groupAddr = "239.255.42.98:29787"
	o.discovery.interval = 10 * time.Second
	o.discovery.ttl = 30 * time.Second
	o.probe.interval = 10 * time.Second
	o.probe.timeout = 5 * time.Second
	o.probe.failThreshold = 3
	return o
}

// apply 应用选项列表
func (o *options) apply(opts ...Option) error {
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return err
		}
	}
	return nil
}

// WithListenAddr 设置 TCP 监听地址
//
// 形如 "0.0.0.0:0"，端口为 0 表示随机端口。
func WithListenAddr(addr string) Option {
	return func(o *options) error {
		if addr == "" {
			return fmt.Errorf("%w: listen addr 不能为空", ErrInvalidOption)
		}
		o.listenAddr = addr
		return nil
	}
}

// WithIdentityFile 设置身份密钥文件路径
//
// 文件存在则加载，不存在则生成新身份并保存，重启后 NodeID 保持不变。
func WithIdentityFile(path string) Option {
	return func(o *options) error {
		if path == "" {
			return fmt.Errorf("%w: identity file 路径不能为空", ErrInvalidOption)
		}
		o.identityKeyFile = path
		return nil
	}
}

// WithPrivateKey 使用指定的 ed25519 私钥作为身份
func WithPrivateKey(priv ed25519.PrivateKey) Option {
	return func(o *options) error {
		if len(priv) != ed25519.PrivateKeySize {
			return fmt.Errorf("%w: 私钥长度应为 %d 字节", ErrInvalidOption, ed25519.PrivateKeySize)
		}
		o.privateKey = priv
		return nil
	}
}

// WithAgentVersion 设置对外通告的软件版本字符串
func WithAgentVersion(version string) Option {
	return func(o *options) error {
		if version == "" {
			return fmt.Errorf("%w: agent version 不能为空", ErrInvalidOption)
		}
		o.agentVersion = version
		return nil
	}
}

// WithDiscovery 启用或禁用组播发现
func WithDiscovery(enable bool) Option {
	return func(o *options) error {
		o.discovery.enable = enable
		return nil
	}
}

// WithDiscoveryGroup 设置组播发现的组地址（"ip:port"）
func WithDiscoveryGroup(addr string) Option {
	return func(o *options) error {
		if addr == "" {
			return fmt.Errorf("%w: discovery group 不能为空", ErrInvalidOption)
		}
		o.discovery.groupAddr = addr
		return nil
	}
}

// WithAnnounceInterval 设置发现通告的发送间隔
func WithAnnounceInterval(interval time.Duration) Option {
	return func(o *options) error {
		if interval <= 0 {
			return fmt.Errorf("%w: announce interval 必须为正", ErrInvalidOption)
		}
		o.discovery.interval = interval
		return nil
	}
}

// WithAnnounceTTL 设置发现缓存中通告的存活时间
//
// 必须大于通告间隔，否则正常的周期性通告会被当作新发现。
func WithAnnounceTTL(ttl time.Duration) Option {
	return func(o *options) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: announce ttl 必须为正", ErrInvalidOption)
		}
		o.discovery.ttl = ttl
		return nil
	}
}

// WithProbeInterval 设置健康探测间隔
func WithProbeInterval(interval time.Duration) Option {
	return func(o *options) error {
		if interval <= 0 {
			return fmt.Errorf("%w: probe interval 必须为正", ErrInvalidOption)
		}
		o.probe.interval = interval
		return nil
	}
}

// WithProbeTimeout 设置单次健康探测超时
func WithProbeTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: probe timeout 必须为正", ErrInvalidOption)
		}
		o.probe.timeout = timeout
		return nil
	}
}

// WithFailThreshold 设置判定为 Unhealthy 的连续探测超时次数
func WithFailThreshold(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("%w: fail threshold 必须为正", ErrInvalidOption)
		}
		o.probe.failThreshold = n
		return nil
	}
}

// WithHandshakeTimeout 设置安全握手超时
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: handshake timeout 必须为正", ErrInvalidOption)
		}
		o.handshakeTimeout = timeout
		return nil
	}
}

// WithEventBufferSize 设置调度器事件通道的缓冲大小
func WithEventBufferSize(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("%w: event buffer 必须为正", ErrInvalidOption)
		}
		o.eventBufSize = n
		return nil
	}
}

// WithShutdownGrace 设置关闭时等待在途探测的时长上限
func WithShutdownGrace(grace time.Duration) Option {
	return func(o *options) error {
		if grace < 0 {
			return fmt.Errorf("%w: shutdown grace 不能为负", ErrInvalidOption)
		}
		o.shutdownGrace = grace
		return nil
	}
}
