// Package identify 实现节点识别交换
//
// 连接建立后，发起方打开一条识别流，响应方立即推送自身元数据
// （公钥、监听地址、协议列表、版本、观测地址）。每条连接的生命
// 周期内恰好进行一次交换；交换超时不关闭连接——节点保持已连接
// 但未识别状态，健康监测独立进行。
package identify

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lanshare/go-lanshare/internal/core/identity"
	"github.com/lanshare/go-lanshare/internal/core/upgrader"
	"github.com/lanshare/go-lanshare/pkg/lib/log"
	"github.com/lanshare/go-lanshare/pkg/lib/wire"
	"github.com/lanshare/go-lanshare/pkg/types"
)

var logger = log.Logger("protocol/identify")

// ProtocolID 识别协议标识
const ProtocolID = types.ProtocolID("/lanshare/id/1.0.0")

// Info 识别消息
type Info struct {
	// PublicKey 节点公钥
	PublicKey []byte `json:"public_key"`

	// ListenAddrs 监听地址列表
	ListenAddrs []string `json:"listen_addrs"`

	// Protocols 支持的协议列表
	Protocols []string `json:"protocols"`

	// AgentVersion 软件版本
	AgentVersion string `json:"agent_version"`

	// ProtocolVersion 协议族版本
	ProtocolVersion string `json:"protocol_version"`

	// ObservedAddr 观测到的对端地址（对方看到的我方地址）
	ObservedAddr string `json:"observed_addr"`
}

// Service 识别服务
type Service struct {
	id      *identity.Identity
	addrsFn func() []string

	protocols       []types.ProtocolID
	agentVersion    string
	protocolVersion string
}

// New 创建识别服务
func New(id *identity.Identity, addrsFn func() []string, protocols []types.ProtocolID, agentVersion, protocolVersion string) *Service {
	return &Service{
		id:              id,
		addrsFn:         addrsFn,
		protocols:       protocols,
		agentVersion:    agentVersion,
		protocolVersion: protocolVersion,
	}
}

// Handler 处理识别请求（响应方）
//
// 对端打开识别流后立即推送本节点的身份信息。
func (s *Service) Handler(stream *upgrader.Stream) {
	defer stream.Close()

	protos := make([]string, len(s.protocols))
	for i, p := range s.protocols {
		protos[i] = string(p)
	}

	info := &Info{
		PublicKey:       s.id.PublicKey(),
		ListenAddrs:     s.addrsFn(),
		Protocols:       protos,
		AgentVersion:    s.agentVersion,
		ProtocolVersion: s.protocolVersion,
		ObservedAddr:    stream.Conn().RemoteAddr(),
	}

	data, err := json.Marshal(info)
	if err != nil {
		return
	}

	_ = stream.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := wire.WriteMessage(stream, data); err != nil {
		logger.Debug("识别响应发送失败",
			"peer", stream.Conn().RemotePeer().ShortString(), "error", err)
	}
}

// Identify 主动识别对端（发起方）
//
// 打开识别流并等待对端推送的元数据；ctx 的截止时间即交换超时。
// 返回的元数据已通过公钥-身份一致性校验。
func (s *Service) Identify(ctx context.Context, conn *upgrader.Connection) (*types.PeerMetadata, error) {
	stream, err := conn.OpenStream(ctx, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open identify stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}

	data, err := wire.ReadMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read identify response: %w", err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode identify response: %w", err)
	}

	// 公钥必须与握手确认的对端身份一致
	if len(info.PublicKey) != ed25519.PublicKeySize ||
		identity.NodeIDFromPublicKey(info.PublicKey) != conn.RemotePeer() {
		return nil, ErrIdentityMismatch
	}

	protos := make([]types.ProtocolID, len(info.Protocols))
	for i, p := range info.Protocols {
		protos[i] = types.ProtocolID(p)
	}

	return &types.PeerMetadata{
		PublicKey:       info.PublicKey,
		ListenAddrs:     info.ListenAddrs,
		Protocols:       protos,
		AgentVersion:    info.AgentVersion,
		ProtocolVersion: info.ProtocolVersion,
		ObservedAddr:    info.ObservedAddr,
	}, nil
}
