package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/life-stream-dev/life-stream-control-channel/internal/connection"
	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
	"github.com/life-stream-dev/life-stream-control-channel/internal/metrics"
	"github.com/life-stream-dev/life-stream-control-channel/internal/protocol"
)

const lingerTimeout = 2 * time.Second

func (s *Server) handleConnection(ln net.Listener, conn net.Conn) {
	session := newSession(s, conn)
	connID := session.id
	s.conns.Add(connID, conn)
	reason := "connection closed"

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("[%s] Unexpected fault while handling connection: %v", connID, r)
			session.sendError(protocol.InternalError)
			reason = "internal error"
		}
		s.teardown(session, reason)
	}()

	// Close可能已经遍历过连接表
	if !s.listening(ln) {
		reason = "server closing"
		return
	}

	_ = conn.SetDeadline(time.Now().Add(s.handshakeTimeout))

	var rw net.Conn = conn
	if s.tlsConfig != nil {
		tlsConn := tls.Server(conn, s.tlsConfig)
		ctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout)
		err := tlsConn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			logger.WarnF("[%s] TLS handshake with %s failed, details: %v", connID, session.remoteAddr, err)
			reason = "tls handshake failed"
			return
		}
		rw = tlsConn
	}
	session.stream = protocol.NewStream(rw, connID)

	if ok := s.authenticate(session); !ok {
		reason = "authentication failed"
		return
	}

	_ = conn.SetDeadline(time.Time{})

	session.startDelivery()
	reason = session.handlePacket()
}

// authenticate 读取版本字节与认证控制表, 交给授权回调决定是否接受
func (s *Server) authenticate(session *Session) bool {
	session.state.Store(int32(Authenticating))
	stream := session.stream

	version, err := stream.ReadByte()
	if err != nil {
		connection.HandleReadError(session.id, err)
		return false
	}
	if version != protocol.Version {
		logger.ErrorF("[%s] Invalid protocol version %d", session.id, version)
		session.lingerOnClose = true
		return false
	}

	authData, err := stream.ReadControl()
	if err != nil {
		logger.WarnF("[%s] Fail to read authentication data, details: %v", session.id, err)
		return false
	}
	session.clientData = authData

	if s.authorize != nil && !s.authorize(session) {
		logger.InfoF("[%s] Session from %s rejected", session.id, session.remoteAddr)
		s.metrics.AuthFailed()
		if err := stream.WriteFrame(protocol.NewAuthFailFrame()); err != nil {
			logger.DebugF("[%s] Fail to send AUTH_FAIL, details: %v", session.id, err)
		}
		return false
	}

	session.connectedAt = time.Now()
	session.authenticated.Store(true)
	session.state.Store(int32(Active))
	s.sessions.Add(session.id, session)
	s.metrics.SessionOpened()
	s.saveRecord(session, "")

	if err := stream.WriteFrame(protocol.NewVersionAckFrame()); err != nil {
		logger.WarnF("[%s] Fail to acknowledge authentication, details: %v", session.id, err)
		return false
	}
	logger.InfoF("[%s] Session %s authenticated from %s", session.id, session.clientName, session.remoteAddr)
	return true
}

// handlePacket 会话的读取循环, 返回断开原因
func (ss *Session) handlePacket() string {
	stream := ss.stream
	for {
		header, err := stream.ReadMessageType()
		if err != nil {
			return ss.readFailed(err)
		}

		logger.DebugF("[%s] Receive %s message", ss.id, header)

		switch header {
		case protocol.PUB_TOPIC, protocol.SUB_TOPIC:
			name, err := stream.ReadString()
			if err != nil {
				return ss.readFailed(err)
			}
			var id uint16
			if header == protocol.PUB_TOPIC {
				id, err = ss.registry.RegisterIncoming(name)
			} else {
				id, err = ss.registry.RegisterOutgoing(name)
			}
			if err != nil {
				logger.ErrorF("[%s] Fail to register channel %s, details: %v", ss.id, name, err)
				ss.sendError(protocol.InternalError)
				return "registry exhausted"
			}
			logger.DebugF("[%s] Registered %s channel %s to %d", ss.id, direction(header), name, id)
			if err := stream.WriteFrame(protocol.NewAckIDFrame(header, id)); err != nil {
				return "write failed"
			}
		case protocol.UNPUB_TOPIC, protocol.UNSUB_TOPIC:
			id, err := stream.ReadUInt16()
			if err != nil {
				return ss.readFailed(err)
			}
			var name string
			var ok bool
			if header == protocol.UNPUB_TOPIC {
				name, ok = ss.registry.UnregisterIncoming(id)
			} else {
				name, ok = ss.registry.UnregisterOutgoing(id)
			}
			if ok {
				logger.DebugF("[%s] Unregistered %s channel %s (%d)", ss.id, direction(header), name, id)
			} else {
				logger.DebugF("[%s] Unregister of unknown %s channel %d", ss.id, direction(header), id)
			}
			if err := stream.WriteFrame(protocol.NewAckFrame(header)); err != nil {
				return "write failed"
			}
		case protocol.MSG_PUB:
			id, err := stream.ReadUInt16()
			if err != nil {
				return ss.readFailed(err)
			}
			name, ok := ss.registry.ResolveIncoming(id)
			if !ok {
				logger.ErrorF("[%s] Invalid incoming channel id %d", ss.id, id)
				ss.sendError(protocol.InvalidChannel)
				return "invalid channel"
			}
			length, err := stream.ReadInt32()
			if err != nil {
				return ss.readFailed(err)
			}
			if length < 1 || length > protocol.MaxBufferLength {
				logger.ErrorF("[%s] Invalid incoming length %d", ss.id, length)
				ss.sendError(protocol.InvalidLength)
				return "invalid length"
			}
			payload, err := stream.ReadBuffer(int(length))
			if err != nil {
				return ss.readFailed(err)
			}
			if err := stream.WriteFrame(protocol.NewAckFrame(protocol.MSG_PUB)); err != nil {
				return "write failed"
			}
			ss.server.metrics.MessageReceived(metrics.SideServer)
			ss.enqueue(delivery{channel: name, data: payload})
		case protocol.ACK:
			acked, err := stream.ReadMessageType()
			if err != nil {
				return ss.readFailed(err)
			}
			if acked != protocol.MSG_PUB {
				logger.DebugF("[%s] Received ACK from client for message type %s", ss.id, acked)
				continue
			}
			if _, err := ss.acks.Resolve(protocol.MSG_PUB); err != nil {
				logger.DebugF("[%s] %v", ss.id, err)
			}
		case protocol.PING:
			logger.DebugF("[%s] Pong!", ss.id)
			if err := stream.WriteFrame(protocol.NewPingFrame()); err != nil {
				return "write failed"
			}
		case protocol.BYE:
			logger.DebugF("[%s] Bye!", ss.id)
			_ = stream.WriteFrame(protocol.NewByeFrame())
			return "client said bye"
		default:
			logger.ErrorF("[%s] Invalid header %s", ss.id, header)
			ss.sendError(protocol.InvalidMessage)
			return "invalid message"
		}
	}
}

func direction(t protocol.MessageType) string {
	if t == protocol.PUB_TOPIC || t == protocol.UNPUB_TOPIC {
		return "incoming"
	}
	return "outgoing"
}

// readFailed 长度非法时回复INVALID_LENGTH, 其余读取错误直接断开
func (ss *Session) readFailed(err error) string {
	if errors.Is(err, protocol.ErrInvalidLength) {
		logger.ErrorF("[%s] %v", ss.id, err)
		ss.sendError(protocol.InvalidLength)
		return "invalid length"
	}
	connection.HandleReadError(ss.id, err)
	return "connection closed"
}

func (ss *Session) sendError(code protocol.ErrorCode) {
	ss.server.metrics.ProtocolError(metrics.SideServer, string(code))
	if ss.stream == nil {
		return
	}
	ss.lingerOnClose = true
	if err := ss.stream.WriteFrame(protocol.NewErrorFrame(code)); err != nil {
		logger.DebugF("[%s] Fail to send ERROR %s, details: %v", ss.id, code, err)
	}
}

// linger 半关闭后丢弃对端剩余数据, 避免未读数据触发RST导致ERROR帧丢失
func linger(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.CloseWrite(); err != nil {
		return
	}
	_ = tcpConn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, tcpConn)
}

// teardown 连接处理协程退出时调用
func (s *Server) teardown(session *Session, reason string) {
	session.state.Store(int32(Closing))
	wasActive := session.authenticated.Load()
	if wasActive {
		s.sessions.Remove(session.id)
	}
	s.conns.Remove(session.id)

	if session.lingerOnClose {
		linger(session.conn)
	}
	if session.stream != nil {
		_ = session.stream.Close()
		_ = session.stream.Exclusive(func(*protocol.Writer) error {
			session.connected.Store(false)
			session.acks.Fail(ErrSessionClosed)
			return nil
		})
	} else {
		session.connected.Store(false)
	}
	if err := session.conn.Close(); err != nil && !connection.IsNetClosedError(err) {
		logger.WarnF("[%s] Error occurred while closing connection, details: %v", session.id, err)
	}

	close(session.done)
	session.wg.Wait()

	if wasActive {
		s.metrics.SessionClosed()
		s.saveRecord(session, reason)
		logger.InfoF("[%s] Session closed: %s", session.id, reason)
	} else {
		logger.DebugF("[%s] Connection closed: %s", session.id, reason)
	}
}
