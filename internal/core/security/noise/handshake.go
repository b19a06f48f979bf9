// Package noise 实现 Noise 协议安全传输
//
// Noise XX 握手流程：
//
//	-> e                                      (发起者发送临时公钥)
//	<- e, ee, s, es, payload                  (响应者发送临时公钥、静态公钥、payload)
//	-> s, se, payload                         (发起者发送静态公钥、payload)
//
// payload 包含：
//   - identity_key: Ed25519 身份公钥
//   - identity_sig: Sign("lanshare-noise-static-key:" + curve25519_static_pubkey)
//
// 静态密钥由 Ed25519 身份密钥转换而来，payload 签名将两者绑定，
// 使握手同时完成加密信道建立和对端身份证明。
package noise

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"

	"github.com/lanshare/go-lanshare/internal/core/identity"
	"github.com/lanshare/go-lanshare/pkg/types"
)

// payloadSigPrefix 是签名 payload 的前缀
const payloadSigPrefix = "lanshare-noise-static-key:"

// handshakePayload 握手 payload
type handshakePayload struct {
	// IdentityKey Ed25519 身份公钥
	IdentityKey []byte `json:"identity_key"`

	// IdentitySig 静态密钥绑定签名
	IdentitySig []byte `json:"identity_sig"`
}

// ============================================================================
// Noise XX 握手实现
// ============================================================================

// performHandshake 执行 Noise XX 握手
//
// 参数：
//   - conn: 底层网络连接
//   - id: 本地身份
//   - remotePeer: 期望的远程 NodeID（用于验证，可为空）
//   - isInitiator: true = 发起者，false = 响应者
func performHandshake(conn net.Conn, id *identity.Identity, remotePeer types.NodeID, isInitiator bool) (*SecureConn, error) {
	// 1. 密钥转换：Ed25519 -> Curve25519
	curvePriv := ed25519ToCurve25519Private(id.PrivateKey())
	curvePub := ed25519ToCurve25519Public(id.PublicKey())

	// 2. 创建 Noise 配置
	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cs,
		Pattern:       noise.HandshakeXX,
		Initiator:     isInitiator,
		StaticKeypair: noise.DHKey{Private: curvePriv, Public: curvePub},
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	// 3. 生成本地 payload（包含 Ed25519 公钥和签名）
	localPayload, err := generateHandshakePayload(id, curvePub)
	if err != nil {
		return nil, fmt.Errorf("generate handshake payload: %w", err)
	}

	// 4. 执行握手
	var sendCS, recvCS *noise.CipherState
	var remotePayload []byte

	if isInitiator {
		sendCS, recvCS, remotePayload, err = initiatorHandshake(conn, hs, localPayload)
	} else {
		sendCS, recvCS, remotePayload, err = responderHandshake(conn, hs, localPayload)
	}
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	// 5. 验证远程 payload 并提取 NodeID
	remoteStatic := hs.PeerStatic()
	if len(remoteStatic) != 32 {
		return nil, fmt.Errorf("invalid remote static key length: %d", len(remoteStatic))
	}

	actualRemote, remotePubKey, err := handleRemotePayload(remotePayload, remoteStatic)
	if err != nil {
		return nil, fmt.Errorf("handle remote payload: %w", err)
	}

	// 验证 NodeID（如果指定了期望值）
	if !remotePeer.IsEmpty() && actualRemote != remotePeer {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrPeerIDMismatch, remotePeer.ShortString(), actualRemote.ShortString())
	}

	// 6. 创建安全连接
	return &SecureConn{
		Conn:         conn,
		sendCS:       sendCS,
		recvCS:       recvCS,
		localPeer:    id.NodeID(),
		remotePeer:   actualRemote,
		remotePubKey: remotePubKey,
	}, nil
}

// generateHandshakePayload 生成握手 payload
func generateHandshakePayload(id *identity.Identity, curvePub []byte) ([]byte, error) {
	toSign := append([]byte(payloadSigPrefix), curvePub...)
	payload := handshakePayload{
		IdentityKey: id.PublicKey(),
		IdentitySig: id.Sign(toSign),
	}
	return json.Marshal(payload)
}

// handleRemotePayload 处理远程 payload
//
// 验证签名并提取 NodeID。签名将 Noise 静态密钥绑定到 Ed25519 身份，
// 防止中间人用自己的静态密钥替换握手。
func handleRemotePayload(payloadBytes []byte, remoteStatic []byte) (types.NodeID, ed25519.PublicKey, error) {
	var payload handshakePayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return types.EmptyNodeID, nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if len(payload.IdentityKey) != ed25519.PublicKeySize {
		return types.EmptyNodeID, nil, fmt.Errorf("invalid identity key length: %d", len(payload.IdentityKey))
	}
	remotePubKey := ed25519.PublicKey(payload.IdentityKey)

	toVerify := append([]byte(payloadSigPrefix), remoteStatic...)
	if !identity.Verify(remotePubKey, toVerify, payload.IdentitySig) {
		return types.EmptyNodeID, nil, ErrInvalidSignature
	}

	return identity.NodeIDFromPublicKey(remotePubKey), remotePubKey, nil
}

// ============================================================================
// 握手流程
// ============================================================================

// initiatorHandshake 发起者握手
//
//  1. -> e                              (发送临时公钥)
//  2. <- e, ee, s, es, payload          (接收响应者的静态公钥和 payload)
//  3. -> s, se, payload                 (发送本地静态公钥和 payload)
func initiatorHandshake(conn net.Conn, hs *noise.HandshakeState, localPayload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	// 轮次 1: 发送 e (空 payload)
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 1: %w", err)
	}
	if err := writeFrame(conn, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 1: %w", err)
	}

	// 轮次 2: 接收 e, ee, s, es, payload
	msg2, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 2: %w", err)
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 2: %w", err)
	}

	// 轮次 3: 发送 s, se, payload (最后一轮，返回 CipherStates)
	msg3, cs1, cs2, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 3: %w", err)
	}
	if err := writeFrame(conn, msg3); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 3: %w", err)
	}

	// cs1 = 发送密钥，cs2 = 接收密钥（对于发起者）
	return cs1, cs2, remotePayload, nil
}

// responderHandshake 响应者握手
//
//  1. <- e                              (接收临时公钥)
//  2. -> e, ee, s, es, payload          (发送本地静态公钥和 payload)
//  3. <- s, se, payload                 (接收发起者的静态公钥和 payload)
func responderHandshake(conn net.Conn, hs *noise.HandshakeState, localPayload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	// 轮次 1: 接收 e
	msg1, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("read message 1: %w", err)
	}

	// 轮次 2: 发送 e, ee, s, es, payload
	msg2, _, _, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 2: %w", err)
	}
	if err := writeFrame(conn, msg2); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 2: %w", err)
	}

	// 轮次 3: 接收 s, se, payload (最后一轮，返回 CipherStates)
	msg3, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 3: %w", err)
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 3: %w", err)
	}

	// cs1 = 接收密钥，cs2 = 发送密钥（对于响应者，与发起者相反）
	return cs2, cs1, remotePayload, nil
}

// ============================================================================
// 密钥转换（标准实现）
// ============================================================================

// ed25519ToCurve25519Private 将 Ed25519 私钥转换为 Curve25519 私钥
//
// 标准转换方法（RFC 7748, RFC 8032）：
//  1. 对私钥种子进行 SHA-512 哈希
//  2. 取哈希前 32 字节
//  3. 进行 "clamping"（清理低 3 位和高 2 位）
func ed25519ToCurve25519Private(edPriv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(edPriv.Seed())

	h[0] &= 248  // 清除低 3 位
	h[31] &= 127 // 清除最高位
	h[31] |= 64  // 设置次高位

	return h[:32]
}

// ed25519ToCurve25519Public 将 Ed25519 公钥转换为 Curve25519 公钥
//
// 使用 Edwards -> Montgomery 转换公式：
//
//	u = (1 + y) / (1 - y)  (mod p)
func ed25519ToCurve25519Public(edPub ed25519.PublicKey) []byte {
	if len(edPub) != ed25519.PublicKeySize {
		return make([]byte, 32)
	}

	point, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return make([]byte, 32)
	}

	return point.BytesMontgomery()
}

// ============================================================================
// 辅助函数
// ============================================================================

// writeFrame 写入帧（2 字节长度 + 数据）
func writeFrame(w io.Writer, data []byte) error {
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(data)))

	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return nil
}

// readFrame 读取帧（2 字节长度 + 数据）
func readFrame(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint16(lenBuf)
	if length == 0 {
		return nil, nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
