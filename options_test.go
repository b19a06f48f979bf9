package lanshare

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultOptions 测试默认配置自洽
func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()

	assert.NotEmpty(t, o.listenAddr)
	assert.NotEmpty(t, o.agentVersion)
	assert.True(t, o.discovery.enable)
	// 缓存 TTL 必须能容忍至少一次丢包
	assert.Greater(t, o.discovery.ttl, o.discovery.interval)
	assert.Positive(t, o.probe.failThreshold)
}

// TestOptions_Apply 测试选项应用
func TestOptions_Apply(t *testing.T) {
	o := defaultOptions()
	err := o.apply(
		WithListenAddr("127.0.0.1:9000"),
		WithAgentVersion("test-agent/0.1"),
		WithDiscovery(false),
		WithProbeInterval(time.Second),
		WithProbeTimeout(500*time.Millisecond),
		WithFailThreshold(5),
		WithShutdownGrace(0),
	)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", o.listenAddr)
	assert.Equal(t, "test-agent/0.1", o.agentVersion)
	assert.False(t, o.discovery.enable)
	assert.Equal(t, 5, o.probe.failThreshold)
	assert.Equal(t, time.Duration(0), o.shutdownGrace)
}

// TestOptions_Invalid 测试非法选项取值
func TestOptions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"空监听地址", WithListenAddr("")},
		{"空身份文件", WithIdentityFile("")},
		{"私钥长度非法", WithPrivateKey(make([]byte, 10))},
		{"空版本", WithAgentVersion("")},
		{"探测间隔为零", WithProbeInterval(0)},
		{"探测超时为负", WithProbeTimeout(-time.Second)},
		{"阈值为零", WithFailThreshold(0)},
		{"公告间隔为零", WithAnnounceInterval(0)},
		{"TTL 为零", WithAnnounceTTL(0)},
		{"握手超时为零", WithHandshakeTimeout(0)},
		{"事件缓冲为零", WithEventBufferSize(0)},
		{"负的关闭等待", WithShutdownGrace(-time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := defaultOptions()
			assert.ErrorIs(t, o.apply(tt.opt), ErrInvalidOption)
		})
	}
}

// TestNew_WithPrivateKey 测试指定私钥时身份确定
func TestNew_WithPrivateKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	a, err := New(WithPrivateKey(priv), WithDiscovery(false))
	require.NoError(t, err)
	defer a.Close()

	b, err := New(WithPrivateKey(priv), WithDiscovery(false))
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, a.ID(), b.ID())
}
