package liveness

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PingRequest 探测请求
type PingRequest struct {
	// Nonce 本次探测的一次性随机标识
	Nonce string `json:"nonce"`

	// Timestamp 发送时间戳
	Timestamp int64 `json:"timestamp"`
}

// PongResponse 探测响应
//
// Nonce 必须回显请求中的值；与最近一次发出的探测不匹配的响应
// 视为过期/重复，直接丢弃。
type PongResponse struct {
	// Nonce 回显的请求标识
	Nonce string `json:"nonce"`

	// Timestamp 响应时间戳
	Timestamp int64 `json:"timestamp"`
}

// NewPingRequest 创建探测请求
func NewPingRequest() *PingRequest {
	return &PingRequest{
		Nonce:     uuid.New().String(),
		Timestamp: time.Now().UnixNano(),
	}
}

// NewPongResponse 创建探测响应
func NewPongResponse(nonce string) *PongResponse {
	return &PongResponse{
		Nonce:     nonce,
		Timestamp: time.Now().UnixNano(),
	}
}

// encodePing 编码探测请求
func encodePing(ping *PingRequest) ([]byte, error) {
	return json.Marshal(ping)
}

// decodePing 解码探测请求
func decodePing(data []byte) (*PingRequest, error) {
	var ping PingRequest
	if err := json.Unmarshal(data, &ping); err != nil {
		return nil, err
	}
	return &ping, nil
}

// encodePong 编码探测响应
func encodePong(pong *PongResponse) ([]byte, error) {
	return json.Marshal(pong)
}

// decodePong 解码探测响应
func decodePong(data []byte) (*PongResponse, error) {
	var pong PongResponse
	if err := json.Unmarshal(data, &pong); err != nil {
		return nil, err
	}
	return &pong, nil
}
