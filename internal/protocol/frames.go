package protocol

import "fmt"

// NewAuthFrame 连接前导: [version][int32 len][control map]
func NewAuthFrame(authData map[string]string) *Frame {
	return NewRawFrame().PutByte(Version).PutControl(authData)
}

// NewAckFrame ACK + 被确认的报文类型
func NewAckFrame(acked MessageType) *Frame {
	return NewFrame(ACK).PutType(acked)
}

// NewAckIDFrame PUB_TOPIC/SUB_TOPIC的确认, 附带分配的通道ID
func NewAckIDFrame(acked MessageType, channelID uint16) *Frame {
	return NewAckFrame(acked).PutUInt16(channelID)
}

// NewVersionAckFrame 认证成功的回复: ACK + 协议版本
func NewVersionAckFrame() *Frame {
	return NewFrame(ACK).PutByte(Version)
}

func NewAuthFailFrame() *Frame {
	return NewFrame(AUTH_FAIL)
}

func NewErrorFrame(code ErrorCode) *Frame {
	return NewFrame(ERROR).PutString(string(code))
}

func NewPingFrame() *Frame {
	return NewFrame(PING)
}

func NewByeFrame() *Frame {
	return NewFrame(BYE)
}

// NewRegisterFrame PUB_TOPIC或SUB_TOPIC + 通道名
func NewRegisterFrame(t MessageType, channel string) *Frame {
	return NewFrame(t).PutString(channel)
}

// NewUnregisterFrame UNPUB_TOPIC或UNSUB_TOPIC + 通道ID
func NewUnregisterFrame(t MessageType, channelID uint16) *Frame {
	return NewFrame(t).PutUInt16(channelID)
}

// NewMessageFrame MSG_PUB + 通道ID + int32长度 + 负载
func NewMessageFrame(channelID uint16, payload []byte) *Frame {
	return NewFrame(MSG_PUB).PutUInt16(channelID).PutBytes(payload)
}

// ValidatePayload 对端拒绝长度小于1的负载
func ValidatePayload(payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("%w: empty payload", ErrInvalidLength)
	}
	return checkLength(len(payload))
}

// ValidateChannelName 通道名作为字符串发送, 不能为空
func ValidateChannelName(channel string) error {
	if channel == "" {
		return fmt.Errorf("%w: empty channel name", ErrInvalidLength)
	}
	return checkLength(len(channel))
}
