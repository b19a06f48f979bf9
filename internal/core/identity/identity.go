// Package identity 实现身份管理
//
// 节点身份 = Ed25519 密钥对 + 由公钥派生的 NodeID。
// 私钥只存在于进程内存（以及可选的本地密钥文件），永不对外序列化。
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/lanshare/go-lanshare/pkg/types"
)

var (
	// ErrKeyGeneration 密钥生成失败（熵源故障，致命错误）
	ErrKeyGeneration = errors.New("identity: key generation failed")
	// ErrInvalidKey 无效的密钥
	ErrInvalidKey = errors.New("identity: invalid key")
	// ErrInvalidSignature 签名验证失败
	ErrInvalidSignature = errors.New("identity: invalid signature")
)

// ============================================================================
//                              Identity 实现
// ============================================================================

// Identity 节点身份
//
// 创建后在进程生命周期内不可变。
type Identity struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	nodeID     types.NodeID
}

// Generate 生成全新的节点身份
//
// 唯一的失败来源是熵源故障，调用方应视为致命错误并中止启动。
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return FromPrivateKey(priv), nil
}

// FromPrivateKey 从已有私钥构建身份
func FromPrivateKey(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		privateKey: priv,
		publicKey:  pub,
		nodeID:     NodeIDFromPublicKey(pub),
	}
}

// NodeID 返回节点标识
func (id *Identity) NodeID() types.NodeID {
	return id.nodeID
}

// PublicKey 返回公钥
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.publicKey
}

// PrivateKey 返回私钥
//
// 仅供安全传输层执行握手签名使用，调用方不得持久化或外泄。
func (id *Identity) PrivateKey() ed25519.PrivateKey {
	return id.privateKey
}

// Sign 用节点私钥签名
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.privateKey, data)
}

// Verify 用指定公钥验证签名
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
