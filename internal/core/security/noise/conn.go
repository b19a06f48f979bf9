// Package noise 实现 Noise 协议安全传输
package noise

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"

	"github.com/lanshare/go-lanshare/pkg/types"
)

// ============================================================================
// Secure Connection 实现
// ============================================================================

// SecureConn Noise 安全连接
//
// 在底层连接上按帧加解密：2 字节长度前缀 + 密文。
type SecureConn struct {
	net.Conn

	// Noise cipher states
	sendCS *noise.CipherState
	recvCS *noise.CipherState

	// 节点信息
	localPeer    types.NodeID
	remotePeer   types.NodeID
	remotePubKey ed25519.PublicKey

	// 读写锁
	readMu  sync.Mutex
	writeMu sync.Mutex

	// 缓冲区（上一帧未读完的明文）
	readBuf []byte
}

// maxPlaintextSize 单帧明文上限
//
// Noise 密文带 16 字节认证标签，帧长字段为 uint16，
// 明文必须保证密文不超过 65535 字节。
const maxPlaintextSize = 65519

// Read 从连接读取数据（解密）
func (c *SecureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	// 如果缓冲区有数据，先返回缓冲区的数据
	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	// 读取加密消息长度（2 字节）
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(c.Conn, lenBuf); err != nil {
		return 0, err
	}

	msgLen := binary.BigEndian.Uint16(lenBuf)
	if msgLen == 0 {
		return 0, io.EOF
	}

	// 读取加密消息
	encMsg := make([]byte, msgLen)
	if _, err := io.ReadFull(c.Conn, encMsg); err != nil {
		return 0, err
	}

	// 解密消息
	plaintext, err := c.recvCS.Decrypt(nil, nil, encMsg)
	if err != nil {
		return 0, fmt.Errorf("decrypt: %w", err)
	}

	n := copy(p, plaintext)

	// 如果还有剩余数据，保存到缓冲区
	if n < len(plaintext) {
		c.readBuf = append(c.readBuf[:0], plaintext[n:]...)
	}

	return n, nil
}

// Write 向连接写入数据（加密）
//
// 超过单帧上限的数据拆分为多帧发送。
func (c *SecureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintextSize {
			chunk = p[:maxPlaintextSize]
		}

		ciphertext, err := c.sendCS.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, fmt.Errorf("encrypt: %w", err)
		}

		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(ciphertext)))

		if _, err := c.Conn.Write(lenBuf); err != nil {
			return total, err
		}
		if _, err := c.Conn.Write(ciphertext); err != nil {
			return total, err
		}

		total += len(chunk)
		p = p[len(chunk):]
	}

	return total, nil
}

// LocalPeer 返回本地节点 ID
func (c *SecureConn) LocalPeer() types.NodeID {
	return c.localPeer
}

// RemotePeer 返回远端节点 ID
func (c *SecureConn) RemotePeer() types.NodeID {
	return c.remotePeer
}

// RemotePublicKey 返回握手中验证过的远端公钥
func (c *SecureConn) RemotePublicKey() ed25519.PublicKey {
	return c.remotePubKey
}
