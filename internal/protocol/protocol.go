// Package protocol 实现了控制通道协议的消息类型定义、错误码以及线上编解码
package protocol

import "fmt"

// Version 连接建立时交换的协议版本字节
const Version byte = 0x00

// MessageType 定义了控制通道报文的头部类型
type MessageType byte

// 控制通道报文类型常量定义
const (
	MSG_PUB     MessageType = 0x00 // 发布消息
	ACK         MessageType = 0x01 // 确认, 后跟被确认的报文类型
	AUTH_FAIL   MessageType = 0x02 // 认证失败
	PUB_TOPIC   MessageType = 0x03 // 注册发布通道
	UNPUB_TOPIC MessageType = 0x04 // 注销发布通道
	SUB_TOPIC   MessageType = 0x05 // 注册订阅通道
	UNSUB_TOPIC MessageType = 0x06 // 注销订阅通道
	PING        MessageType = 0xFD // 心跳
	ERROR       MessageType = 0xFE // 错误, 后跟错误码字符串
	BYE         MessageType = 0xFF // 断开连接
)

// MessageTypeMap 将MessageType映射到其字符串表示
var MessageTypeMap = map[MessageType]string{
	MSG_PUB:     "MSG_PUB",
	ACK:         "ACK",
	AUTH_FAIL:   "AUTH_FAIL",
	PUB_TOPIC:   "PUB_TOPIC",
	UNPUB_TOPIC: "UNPUB_TOPIC",
	SUB_TOPIC:   "SUB_TOPIC",
	UNSUB_TOPIC: "UNSUB_TOPIC",
	PING:        "PING",
	ERROR:       "ERROR",
	BYE:         "BYE",
}

// String 返回MessageType的字符串表示
func (t MessageType) String() string {
	if name, ok := MessageTypeMap[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(t))
}

// IsAckable 报告该类型的请求是否需要对端回复ACK
func (t MessageType) IsAckable() bool {
	switch t {
	case MSG_PUB, PUB_TOPIC, UNPUB_TOPIC, SUB_TOPIC, UNSUB_TOPIC:
		return true
	}
	return false
}

// ErrorCode ERROR报文携带的错误码
type ErrorCode string

const (
	InvalidChannel ErrorCode = "INVALID_CHANNEL"
	InvalidLength  ErrorCode = "INVALID_LENGTH"
	InvalidMessage ErrorCode = "INVALID_MESSAGE"
	InternalError  ErrorCode = "INTERNAL_ERROR"
)

// ProtocolError 表示一次协议违规, 对当前连接是致命的
type ProtocolError struct {
	Code   ErrorCode
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("protocol error %s", e.Code)
	}
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Detail)
}

// NewProtocolError 创建一个带格式化描述的协议错误
func NewProtocolError(code ErrorCode, format string, v ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Detail: fmt.Sprintf(format, v...)}
}
