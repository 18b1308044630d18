// Package database 记录控制通道会话的审计信息, 支持MongoDB和内存两种存储
package database

import (
	"context"
	"errors"
	"time"
)

const SessionCollectionName = "sessions"

var (
	ErrNotFound       = errors.New("session record not found")
	ErrSessionIDEmpty = errors.New("session_id is empty")
)

// SessionRecord 一次会话的连接与断开记录, 不包含任何消息内容
type SessionRecord struct {
	SessionID      string            `bson:"session_id" json:"session_id"`
	ClientName     string            `bson:"client_name" json:"client_name"`
	ClientData     map[string]string `bson:"client_data" json:"client_data,omitempty"`
	RemoteAddr     string            `bson:"remote_addr" json:"remote_addr"`
	Active         bool              `bson:"active" json:"active"`
	ConnectedAt    time.Time         `bson:"connected_at" json:"connected_at"`
	DisconnectedAt time.Time         `bson:"disconnected_at" json:"disconnected_at"`
	Reason         string            `bson:"reason" json:"reason,omitempty"`
}

// Clone 深拷贝, 存储实现不与调用方共享可变数据
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ClientData != nil {
		c.ClientData = make(map[string]string, len(r.ClientData))
		for k, v := range r.ClientData {
			c.ClientData[k] = v
		}
	}
	return &c
}

type SessionStore interface {
	SaveSession(ctx context.Context, record *SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
	// RecentSessions 按连接时间倒序返回至多limit条记录
	RecentSessions(ctx context.Context, limit int) ([]*SessionRecord, error)
}
