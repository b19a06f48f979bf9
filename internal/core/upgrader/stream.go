package upgrader

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/lanshare/go-lanshare/pkg/lib/wire"
	"github.com/lanshare/go-lanshare/pkg/types"
)

// maxProtocolIDLen 协议头的最大长度
const maxProtocolIDLen = 256

// ============================================================================
//                              Stream
// ============================================================================

// Stream 一条带协议标签的逻辑流
type Stream struct {
	*yamux.Stream

	conn  *Connection
	proto types.ProtocolID
}

// newStream 创建流封装
func newStream(raw *yamux.Stream, conn *Connection, proto types.ProtocolID) *Stream {
	return &Stream{
		Stream: raw,
		conn:   conn,
		proto:  proto,
	}
}

// Protocol 返回流的协议 ID
func (s *Stream) Protocol() types.ProtocolID {
	return s.proto
}

// Conn 返回流所属的连接
func (s *Stream) Conn() *Connection {
	return s.conn
}

// writeHeader 写入协议头（流的第一帧）
func (s *Stream) writeHeader(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetWriteDeadline(deadline)
		defer s.SetWriteDeadline(time.Time{})
	}
	if err := wire.WriteMessage(s.Stream, []byte(s.proto)); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}
	return nil
}

// readHeader 读取协议头并记录到流上
func (s *Stream) readHeader() error {
	// 协议头必须很快到达，防止半开流占用接受循环
	_ = s.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer s.SetReadDeadline(time.Time{})

	data, err := wire.ReadMessage(s.Stream)
	if err != nil {
		return fmt.Errorf("read protocol header: %w", err)
	}
	if len(data) > maxProtocolIDLen {
		return ErrProtocolHeader
	}

	s.proto = types.ProtocolID(data)
	return nil
}
