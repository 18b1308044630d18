// Package connection 提供会话管理与网络错误分类等连接层工具
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
	"github.com/life-stream-dev/life-stream-control-channel/internal/protocol"
)

// Manager 以会话ID为键的并发安全连接表
type Manager[T any] struct {
	connections sync.Map
	count       atomic.Int64
}

func NewManager[T any]() *Manager[T] {
	return &Manager[T]{}
}

// Add 添加连接, 同ID已存在时覆盖
func (cm *Manager[T]) Add(id string, conn T) {
	if _, loaded := cm.connections.Swap(id, conn); !loaded {
		cm.count.Add(1)
	}
	logger.DebugF("[%s] Connection added", id)
}

// Remove 移除连接
func (cm *Manager[T]) Remove(id string) {
	if _, loaded := cm.connections.LoadAndDelete(id); loaded {
		cm.count.Add(-1)
		logger.DebugF("[%s] Connection removed", id)
	}
}

// Get 获取连接
func (cm *Manager[T]) Get(id string) (T, bool) {
	if value, ok := cm.connections.Load(id); ok {
		return value.(T), true
	}
	var zero T
	return zero, false
}

// All 返回当前所有连接的快照
func (cm *Manager[T]) All() []T {
	result := make([]T, 0, cm.Len())
	cm.connections.Range(func(_, value any) bool {
		result = append(result, value.(T))
		return true
	})
	return result
}

func (cm *Manager[T]) Len() int {
	return int(cm.count.Load())
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// IsTerminated 对端关闭或本端关闭导致的读取结束
func IsTerminated(err error) bool {
	return errors.Is(err, protocol.ErrTerminated) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		IsNetClosedError(err)
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, protocol.ErrTerminated):
		logger.InfoF("[%s] Peer closed connection", connID)
	case IsNetClosedError(err), errors.Is(err, io.ErrClosedPipe):
		logger.DebugF("[%s] Connection closed locally", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occurred while reading packet, details: %v", connID, err)
	}
}
