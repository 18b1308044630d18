package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-control-channel/internal/ack"
	"github.com/life-stream-dev/life-stream-control-channel/internal/channel"
	"github.com/life-stream-dev/life-stream-control-channel/internal/database"
	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
	"github.com/life-stream-dev/life-stream-control-channel/internal/metrics"
	"github.com/life-stream-dev/life-stream-control-channel/internal/protocol"
	"github.com/life-stream-dev/life-stream-control-channel/internal/utils"
)

// State 服务端会话的生命周期
type State int32

const (
	Accepting State = iota
	Authenticating
	Active
	Closing
)

var stateNames = map[State]string{
	Accepting:      "Accepting",
	Authenticating: "Authenticating",
	Active:         "Active",
	Closing:        "Closing",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// delivery 待交给处理器的一条消息
type delivery struct {
	channel string
	data    []byte
}

// Session 一个客户端连接在服务端的视图
type Session struct {
	id          string
	clientName  string
	clientData  map[string]string
	remoteAddr  string
	connectedAt time.Time

	server   *Server
	conn     net.Conn
	stream   *protocol.Stream
	registry *channel.Registry
	acks     *ack.Correlator

	state         atomic.Int32
	connected     atomic.Bool
	authenticated atomic.Bool
	lingerOnClose bool

	// 处理器在独立协程中按到达顺序执行
	inbox  *ack.Queue[delivery]
	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func newSession(s *Server, conn net.Conn) *Session {
	session := &Session{
		id:         utils.GenID(),
		clientName: utils.GenIDWith("client-"),
		remoteAddr: conn.RemoteAddr().String(),
		server:     s,
		conn:       conn,
		registry:   channel.NewRegistry(),
		acks:       ack.NewCorrelator(),
		inbox:      ack.NewQueue[delivery](),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	session.state.Store(int32(Accepting))
	session.connected.Store(true)
	return session
}

func (ss *Session) ID() string {
	return ss.id
}

func (ss *Session) ClientName() string {
	return ss.clientName
}

// ClientData 客户端在认证时提交的控制表
func (ss *Session) ClientData() map[string]string {
	data := make(map[string]string, len(ss.clientData))
	for k, v := range ss.clientData {
		data[k] = v
	}
	return data
}

func (ss *Session) RemoteAddr() string {
	return ss.remoteAddr
}

func (ss *Session) ConnectedAt() time.Time {
	return ss.connectedAt
}

func (ss *Session) State() State {
	return State(ss.state.Load())
}

func (ss *Session) IsConnected() bool {
	return ss.connected.Load()
}

func (ss *Session) IsAuthenticated() bool {
	return ss.authenticated.Load()
}

// Close 断开会话, 清理由连接处理协程完成
func (ss *Session) Close() error {
	return ss.conn.Close()
}

// Send 向客户端已订阅的通道推送数据, 阻塞直到收到客户端的ACK
func (ss *Session) Send(ctx context.Context, channelName string, data []byte) error {
	if err := protocol.ValidatePayload(data); err != nil {
		return err
	}
	if !ss.IsConnected() || ss.stream == nil {
		return ErrSessionClosed
	}
	id, ok := ss.registry.LookupOutgoing(channelName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotRegistered, channelName)
	}

	pending := ack.NewPending(protocol.MSG_PUB, channelName, nil)
	err := ss.stream.Exclusive(func(w *protocol.Writer) error {
		// 与teardown在同一把锁下检查, 保证断开后不会再登记新的待确认项
		if !ss.IsConnected() {
			return ErrSessionClosed
		}
		ss.acks.Expect(pending)
		return w.WriteFrame(protocol.NewMessageFrame(id, data))
	})
	if err != nil {
		return err
	}
	ss.server.metrics.MessageSent(metrics.SideServer)
	logger.DebugF("[%s] Sent %d bytes on channel %s (%d)", ss.id, len(data), channelName, id)
	return pending.Wait(ctx)
}

func (ss *Session) record() *database.SessionRecord {
	return &database.SessionRecord{
		SessionID:   ss.id,
		ClientName:  ss.clientName,
		ClientData:  ss.ClientData(),
		RemoteAddr:  ss.remoteAddr,
		Active:      true,
		ConnectedAt: ss.connectedAt,
	}
}

// enqueue 不阻塞读取协程
func (ss *Session) enqueue(d delivery) {
	ss.inbox.Push(d)
	select {
	case ss.notify <- struct{}{}:
	default:
	}
}

func (ss *Session) startDelivery() {
	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		for {
			select {
			case <-ss.notify:
				ss.deliverAll()
			case <-ss.done:
				ss.deliverAll()
				return
			}
		}
	}()
}

func (ss *Session) deliverAll() {
	for {
		d, ok := ss.inbox.Pop()
		if !ok {
			return
		}
		ss.dispatch(d)
	}
}

func (ss *Session) dispatch(d delivery) {
	handler, ok := ss.server.handler(d.channel)
	if !ok {
		logger.WarnF("[%s] No handler registered for channel %s, message dropped", ss.id, d.channel)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("[%s] Handler for channel %s panicked: %v", ss.id, d.channel, r)
		}
	}()
	handler(ss, d.data)
}
