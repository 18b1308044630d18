package connection

import (
	"context"
	"errors"
)

var ErrSessionNotFound = errors.New("session not found")

// MessageSender 向指定会话的通道推送消息
type MessageSender interface {
	SendMessage(ctx context.Context, sessionID string, channel string, data []byte) error
}
