// Package admin 提供控制通道服务端的管理接口: gRPC服务与HTTP路由
package admin

import (
	"context"
	"errors"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/life-stream-dev/life-stream-control-channel/internal/connection"
	"github.com/life-stream-dev/life-stream-control-channel/internal/database"
	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
	"github.com/life-stream-dev/life-stream-control-channel/internal/protocol"
	"github.com/life-stream-dev/life-stream-control-channel/internal/server"
)

const ServiceName = "controlchannel.admin.Admin"

type SessionInfo struct {
	SessionID      string            `json:"session_id"`
	ClientName     string            `json:"client_name"`
	ClientData     map[string]string `json:"client_data,omitempty"`
	RemoteAddr     string            `json:"remote_addr"`
	Active         bool              `json:"active"`
	ConnectedAt    time.Time         `json:"connected_at"`
	DisconnectedAt time.Time         `json:"disconnected_at,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

type ListSessionsRequest struct {
	// IncludeHistory 同时返回会话存储中已断开的会话
	IncludeHistory bool `json:"include_history"`
	Limit          int  `json:"limit"`
}

type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

type PublishRequest struct {
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	Data      []byte `json:"data"`
}

type PublishResponse struct {
	Status bool `json:"status"`
}

// Backend 管理接口依赖的服务端能力
type Backend interface {
	connection.MessageSender
	ActiveSessions() []*server.Session
}

// AdminServer gRPC服务的处理接口
type AdminServer interface {
	ListSessions(context.Context, *ListSessionsRequest) (*ListSessionsResponse, error)
	Publish(context.Context, *PublishRequest) (*PublishResponse, error)
}

type GRPCService struct {
	backend Backend
	store   database.SessionStore
}

// NewGRPCService store可以为nil, 此时只能列出在线会话
func NewGRPCService(backend Backend, store database.SessionStore) *GRPCService {
	return &GRPCService{backend: backend, store: store}
}

func (s *GRPCService) ListSessions(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	sessions := activeSessions(s.backend)
	if req.IncludeHistory && s.store != nil {
		limit := req.Limit
		if limit <= 0 {
			limit = 100
		}
		records, err := s.store.RecentSessions(ctx, limit)
		if err != nil {
			logger.ErrorF("Fail to load session history, details: %v", err)
			return nil, status.Errorf(codes.Unavailable, "load session history: %v", err)
		}
		seen := make(map[string]struct{}, len(sessions))
		for _, session := range sessions {
			seen[session.SessionID] = struct{}{}
		}
		for _, record := range records {
			if _, ok := seen[record.SessionID]; ok {
				continue
			}
			sessions = append(sessions, fromRecord(record))
		}
	}
	if req.Limit > 0 && len(sessions) > req.Limit {
		sessions = sessions[:req.Limit]
	}
	return &ListSessionsResponse{Sessions: sessions}, nil
}

func (s *GRPCService) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	if req.SessionID == "" || req.Channel == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id and channel are required")
	}
	err := s.backend.SendMessage(ctx, req.SessionID, req.Channel, req.Data)
	switch {
	case err == nil:
		return &PublishResponse{Status: true}, nil
	case errors.Is(err, connection.ErrSessionNotFound):
		return nil, status.Error(codes.NotFound, err.Error())
	case errors.Is(err, server.ErrChannelNotRegistered):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, protocol.ErrInvalidLength):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, status.FromContextError(err).Err()
	default:
		logger.WarnF("Fail to publish to session %s, details: %v", req.SessionID, err)
		return nil, status.Error(codes.Unavailable, err.Error())
	}
}

// activeSessions 按连接时间从新到旧
func activeSessions(backend Backend) []SessionInfo {
	active := backend.ActiveSessions()
	sessions := make([]SessionInfo, 0, len(active))
	for _, session := range active {
		sessions = append(sessions, SessionInfo{
			SessionID:   session.ID(),
			ClientName:  session.ClientName(),
			ClientData:  session.ClientData(),
			RemoteAddr:  session.RemoteAddr(),
			Active:      session.IsConnected(),
			ConnectedAt: session.ConnectedAt(),
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ConnectedAt.After(sessions[j].ConnectedAt)
	})
	return sessions
}

func fromRecord(record *database.SessionRecord) SessionInfo {
	return SessionInfo{
		SessionID:      record.SessionID,
		ClientName:     record.ClientName,
		ClientData:     record.ClientData,
		RemoteAddr:     record.RemoteAddr,
		Active:         record.Active,
		ConnectedAt:    record.ConnectedAt,
		DisconnectedAt: record.DisconnectedAt,
		Reason:         record.Reason,
	}
}

func listSessionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListSessionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListSessions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ListSessions"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ListSessions(ctx, req.(*ListSessionsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PublishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Publish"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Publish(ctx, req.(*PublishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListSessions", Handler: listSessionsHandler},
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "admin.json",
}

// RegisterAdminServer 把服务注册到gRPC服务器
func RegisterAdminServer(registrar grpc.ServiceRegistrar, srv AdminServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

var _ AdminServer = (*GRPCService)(nil)
