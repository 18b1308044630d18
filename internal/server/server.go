// Package server 实现控制通道的服务端: 接受连接, 认证会话, 并按通道分发消息
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-control-channel/internal/connection"
	"github.com/life-stream-dev/life-stream-control-channel/internal/database"
	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
	"github.com/life-stream-dev/life-stream-control-channel/internal/metrics"
)

var (
	ErrAlreadyOpen          = errors.New("server is already open")
	ErrHandlerExists        = errors.New("channel handler already registered")
	ErrSessionClosed        = errors.New("session is closed")
	ErrChannelNotRegistered = errors.New("channel not subscribed by client")
)

// AuthorizeFunc 根据会话携带的认证数据决定是否接受该会话
type AuthorizeFunc func(session *Session) bool

// MessageHandler 处理客户端发布到某个通道的消息
type MessageHandler func(session *Session, data []byte)

type Option func(*Server)

// WithCertificate 使用证书启用TLS
func WithCertificate(cert tls.Certificate) Option {
	return func(s *Server) {
		if s.tlsConfig == nil {
			s.tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		s.tlsConfig.Certificates = []tls.Certificate{cert}
	}
}

// WithClientValidation 要求客户端出示证书, 并交给validate校验
func WithClientValidation(validate func(cert *x509.Certificate) error) Option {
	return func(s *Server) {
		if s.tlsConfig == nil {
			s.tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		s.tlsConfig.ClientAuth = tls.RequireAnyClientCert
		s.tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("client certificate required")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("parse client certificate: %w", err)
			}
			return validate(cert)
		}
	}
}

// WithTLSConfig 直接指定TLS配置, 覆盖之前的证书选项
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

func WithSessionStore(store database.SessionStore) Option {
	return func(s *Server) {
		s.store = store
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithMaxConnections(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxConnections = n
		}
	}
}

// WithHandshakeTimeout TLS握手与认证必须在该时间内完成
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

type Server struct {
	host             string
	port             int
	authorize        AuthorizeFunc
	tlsConfig        *tls.Config
	store            database.SessionStore
	metrics          *metrics.Metrics
	maxConnections   int
	handshakeTimeout time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]MessageHandler

	// conns 所有已接受的原始连接, sessions 仅包含认证通过的会话
	conns    *connection.Manager[net.Conn]
	sessions *connection.Manager[*Session]

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New 创建服务端, authorize为nil时接受所有会话
func New(host string, port int, authorize AuthorizeFunc, opts ...Option) *Server {
	s := &Server{
		host:             host,
		port:             port,
		authorize:        authorize,
		maxConnections:   10000,
		handshakeTimeout: time.Minute,
		handlers:         make(map[string]MessageHandler),
		conns:            connection.NewManager[net.Conn](),
		sessions:         connection.NewManager[*Session](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Host() string {
	return s.host
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) IsSecure() bool {
	return s.tlsConfig != nil
}

func (s *Server) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Addr 返回实际监听的地址, 未打开时为nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Open 开始监听并接受连接
func (s *Server) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrAlreadyOpen
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("control channel server listen error: %w", err)
	}
	s.listener = ln
	logger.InfoF("Control channel server listen on %s (tls=%v)", ln.Addr().String(), s.IsSecure())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

// Close 停止监听并断开所有会话, 之后可以再次Open
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	err := ln.Close()
	if err != nil && !connection.IsNetClosedError(err) {
		logger.ErrorF("Server close error: %v", err)
	} else {
		err = nil
	}
	for _, conn := range s.conns.All() {
		_ = conn.Close()
	}
	s.wg.Wait()
	logger.InfoF("Control channel server closed")
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	sem := make(chan struct{}, s.maxConnections)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if connection.IsNetClosedError(err) {
				return
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())
		s.metrics.ConnectionAccepted()

		sem <- struct{}{}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() { <-sem }()
			s.handleConnection(ln, c)
		}(conn)
	}
}

// RegisterChannelHandler 为通道注册消息处理器
func (s *Server) RegisterChannelHandler(channel string, handler MessageHandler) error {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if _, ok := s.handlers[channel]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, channel)
	}
	s.handlers[channel] = handler
	return nil
}

func (s *Server) UnregisterChannelHandler(channel string) bool {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if _, ok := s.handlers[channel]; !ok {
		return false
	}
	delete(s.handlers, channel)
	return true
}

// listening 报告ln是否仍是当前的监听器
func (s *Server) listening(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener == ln
}

func (s *Server) handler(channel string) (MessageHandler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[channel]
	return h, ok
}

// ActiveSessions 返回当前认证通过的会话
func (s *Server) ActiveSessions() []*Session {
	return s.sessions.All()
}

func (s *Server) Session(id string) (*Session, bool) {
	return s.sessions.Get(id)
}

// SendMessage 向指定会话的通道推送数据并等待确认
func (s *Server) SendMessage(ctx context.Context, sessionID string, channel string, data []byte) error {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", connection.ErrSessionNotFound, sessionID)
	}
	return session.Send(ctx, channel, data)
}

func (s *Server) saveRecord(session *Session, reason string) {
	if s.store == nil {
		return
	}
	record := session.record()
	if reason != "" {
		record.Active = false
		record.DisconnectedAt = time.Now()
		record.Reason = reason
	}
	if err := s.store.SaveSession(context.Background(), record); err != nil {
		logger.WarnF("[%s] Fail to save session record, details: %v", session.id, err)
	}
}

var _ connection.MessageSender = (*Server)(nil)
