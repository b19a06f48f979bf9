// Package mcast 实现本地网络多播发现
//
// 本文件定义公告消息格式与签名。
package mcast

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lanshare/go-lanshare/internal/core/identity"
	"github.com/lanshare/go-lanshare/pkg/types"
)

// announceSigPrefix 公告签名的域分隔前缀
const announceSigPrefix = "lanshare-announce:"

// Announcement 在外公告
//
// 周期性地在知名多播组上广播，声明本节点的存在与可达地址。
// 签名覆盖除 Signature 外的全部字段，接收方验证：
//   - 签名对 PublicKey 有效
//   - SHA256(PublicKey) == NodeID
//
// 两者缺一即为未认证公告，直接丢弃。
type Announcement struct {
	// NodeID 节点标识（Base58）
	NodeID string `json:"node_id"`

	// PublicKey Ed25519 公钥
	PublicKey []byte `json:"public_key"`

	// Addrs 可达地址列表（host:port）
	Addrs []string `json:"addrs"`

	// ProtocolVersion 协议族版本
	ProtocolVersion string `json:"protocol_version"`

	// Timestamp 发送时间（UnixNano）
	Timestamp int64 `json:"timestamp"`

	// Signature 签名
	Signature []byte `json:"signature,omitempty"`
}

// newAnnouncement 构造并签名一条公告
func newAnnouncement(id *identity.Identity, addrs []string, protocolVersion string) (*Announcement, error) {
	ann := &Announcement{
		NodeID:          id.NodeID().String(),
		PublicKey:       id.PublicKey(),
		Addrs:           addrs,
		ProtocolVersion: protocolVersion,
		Timestamp:       time.Now().UnixNano(),
	}

	payload, err := ann.signedPayload()
	if err != nil {
		return nil, err
	}
	ann.Signature = id.Sign(payload)
	return ann, nil
}

// signedPayload 返回签名覆盖的规范化字节串
//
// 对 Signature 置空后的 JSON 编码加域前缀。JSON 编码对固定的
// 结构体字段顺序是确定性的，双方编码一致。
func (a *Announcement) signedPayload() ([]byte, error) {
	unsigned := *a
	unsigned.Signature = nil

	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, err
	}
	return append([]byte(announceSigPrefix), raw...), nil
}

// verify 验证公告的真实性，返回发送方 NodeID
func (a *Announcement) verify() (types.NodeID, error) {
	nodeID, err := types.ParseNodeID(a.NodeID)
	if err != nil {
		return types.EmptyNodeID, fmt.Errorf("%w: %v", ErrMalformedAnnounce, err)
	}

	if len(a.PublicKey) != ed25519.PublicKeySize {
		return types.EmptyNodeID, ErrMalformedAnnounce
	}
	pub := ed25519.PublicKey(a.PublicKey)

	// 公钥必须派生出声明的 NodeID
	if identity.NodeIDFromPublicKey(pub) != nodeID {
		return types.EmptyNodeID, ErrUnauthenticated
	}

	payload, err := a.signedPayload()
	if err != nil {
		return types.EmptyNodeID, fmt.Errorf("%w: %v", ErrMalformedAnnounce, err)
	}
	if !identity.Verify(pub, payload, a.Signature) {
		return types.EmptyNodeID, ErrUnauthenticated
	}

	return nodeID, nil
}

// encodeAnnouncement 编码公告
func encodeAnnouncement(a *Announcement) ([]byte, error) {
	return json.Marshal(a)
}

// decodeAnnouncement 解码公告
func decodeAnnouncement(data []byte) (*Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAnnounce, err)
	}
	return &a, nil
}
