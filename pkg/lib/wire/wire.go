// Package wire 提供流上的消息帧编解码
//
// 帧格式：varint 长度前缀 + 载荷。
// 所有流协议（识别、健康探测、协议协商头）共用此格式。
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// MaxMessageSize 单条消息的最大长度
//
// 本层只承载控制消息（公告、识别、探测），1 MiB 足够且能防止
// 恶意长度前缀导致的内存放大。
const MaxMessageSize = 1 << 20

var (
	// ErrMessageTooLarge 消息长度超过上限
	ErrMessageTooLarge = errors.New("wire: message exceeds size limit")
	// ErrEmptyMessage 空消息
	ErrEmptyMessage = errors.New("wire: empty message")
)

// WriteMessage 写入一条带长度前缀的消息
func WriteMessage(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyMessage
	}
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	prefix := varint.ToUvarint(uint64(len(data)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadMessage 读取一条带长度前缀的消息
func ReadMessage(r io.Reader) ([]byte, error) {
	length, err := varint.ReadUvarint(&byteReader{r: r})
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, ErrEmptyMessage
	}
	if length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

// byteReader 将 io.Reader 适配为 io.ByteReader
//
// varint.ReadUvarint 需要逐字节读取，避免越过前缀消费载荷数据。
type byteReader struct {
	r io.Reader
}

func (b *byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
