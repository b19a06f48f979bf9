package noise

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanshare/go-lanshare/internal/core/identity"
	"github.com/lanshare/go-lanshare/pkg/types"
)

// handshakePair 在内存管道上完成一次双向握手
func handshakePair(t *testing.T, initExpect, respExpect types.NodeID) (*SecureConn, *SecureConn, *identity.Identity, *identity.Identity) {
	t.Helper()

	initID, err := identity.Generate()
	require.NoError(t, err)
	respID, err := identity.Generate()
	require.NoError(t, err)

	initTpt, err := New(initID)
	require.NoError(t, err)
	respTpt, err := New(respID)
	require.NoError(t, err)

	initRaw, respRaw := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		conn *SecureConn
		err  error
	}
	respCh := make(chan result, 1)
	go func() {
		conn, err := respTpt.SecureInbound(ctx, respRaw, respExpect)
		respCh <- result{conn, err}
	}()

	initConn, err := initTpt.SecureOutbound(ctx, initRaw, initExpect)
	require.NoError(t, err)

	resp := <-respCh
	require.NoError(t, resp.err)

	return initConn, resp.conn, initID, respID
}

// TestHandshake 测试握手双方互相认证
func TestHandshake(t *testing.T) {
	initConn, respConn, initID, respID := handshakePair(t, types.EmptyNodeID, types.EmptyNodeID)
	defer initConn.Close()
	defer respConn.Close()

	// 双方从握手中获知对端真实身份
	assert.Equal(t, respID.NodeID(), initConn.RemotePeer())
	assert.Equal(t, initID.NodeID(), respConn.RemotePeer())
	assert.Equal(t, respID.PublicKey(), initConn.RemotePublicKey())
	assert.Equal(t, initID.NodeID(), initConn.LocalPeer())
}

// TestSecureConn_Roundtrip 测试加密通道双向收发
func TestSecureConn_Roundtrip(t *testing.T) {
	initConn, respConn, _, _ := handshakePair(t, types.EmptyNodeID, types.EmptyNodeID)
	defer initConn.Close()
	defer respConn.Close()

	msg := []byte("hello over noise")
	go func() {
		_, _ = initConn.Write(msg)
	}()

	buf := make([]byte, len(msg))
	_, err := readFull(respConn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)

	// 反方向
	reply := []byte("hello back")
	go func() {
		_, _ = respConn.Write(reply)
	}()

	buf = make([]byte, len(reply))
	_, err = readFull(initConn, buf)
	require.NoError(t, err)
	assert.Equal(t, reply, buf)
}

// TestSecureConn_LargeWrite 测试超过单帧明文上限的写入被分帧
func TestSecureConn_LargeWrite(t *testing.T) {
	initConn, respConn, _, _ := handshakePair(t, types.EmptyNodeID, types.EmptyNodeID)
	defer initConn.Close()
	defer respConn.Close()

	payload := bytes.Repeat([]byte{0x5a}, maxPlaintextSize*2+1234)
	go func() {
		n, err := initConn.Write(payload)
		assert.NoError(t, err)
		assert.Equal(t, len(payload), n)
	}()

	buf := make([]byte, len(payload))
	_, err := readFull(respConn, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

// TestHandshake_PeerIDMismatch 测试期望身份不符时拒绝连接
//
// 拨号方声明了期望的对端身份，而握手揭示的身份与之不符时，
// 连接必须被拒绝，防止发现层的公告指向他人地址。
func TestHandshake_PeerIDMismatch(t *testing.T) {
	initID, err := identity.Generate()
	require.NoError(t, err)
	respID, err := identity.Generate()
	require.NoError(t, err)
	wrongID, err := identity.Generate()
	require.NoError(t, err)

	initTpt, err := New(initID)
	require.NoError(t, err)
	respTpt, err := New(respID)
	require.NoError(t, err)

	initRaw, respRaw := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		conn, err := respTpt.SecureInbound(ctx, respRaw, types.EmptyNodeID)
		if err == nil {
			conn.Close()
		}
	}()

	// 期望 wrongID，实际对端是 respID
	_, err = initTpt.SecureOutbound(ctx, initRaw, wrongID.NodeID())
	assert.ErrorIs(t, err, ErrPeerIDMismatch)
}

// TestNew_NilIdentity 测试空身份被拒绝
func TestNew_NilIdentity(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNilIdentity)
}

// readFull 从加密通道读满缓冲区
func readFull(conn *SecureConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
