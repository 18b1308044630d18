package client

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/life-stream-dev/life-stream-control-channel/internal/ack"
	"github.com/life-stream-dev/life-stream-control-channel/internal/channel"
	"github.com/life-stream-dev/life-stream-control-channel/internal/connection"
	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
	"github.com/life-stream-dev/life-stream-control-channel/internal/metrics"
	"github.com/life-stream-dev/life-stream-control-channel/internal/protocol"
)

var errConnectionClosed = errors.New("connection closed")

// event 交给回调协程的一项工作
type event struct {
	channel    string
	data       []byte
	registered bool
}

// link 一次连接的全部状态, 断开后整体丢弃
type link struct {
	client   *Client
	id       string
	raw      net.Conn
	stream   *protocol.Stream
	acks     *ack.Correlator
	outgoing *channel.Tracker
	incoming *channel.Tracker

	// closed 只在writer锁内读写
	closed bool

	events *ack.Queue[event]
	notify chan struct{}
	kick   chan struct{}
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newLink(c *Client, raw net.Conn, stream *protocol.Stream) *link {
	return &link{
		client:   c,
		id:       c.name,
		raw:      raw,
		stream:   stream,
		acks:     ack.NewCorrelator(),
		outgoing: channel.NewTracker(),
		incoming: channel.NewTracker(),
		events:   ack.NewQueue[event](),
		notify:   make(chan struct{}, 1),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// exclusive 在writer锁内执行fn, 连接已关闭时直接失败
func (cn *link) exclusive(fn func(w *protocol.Writer) error) error {
	return cn.stream.Exclusive(func(w *protocol.Writer) error {
		if cn.closed {
			return errConnectionClosed
		}
		return fn(w)
	})
}

// register 申请通道ID, 同一连接上每个通道只申请一次. 调用方必须处于exclusive中
func (cn *link) register(w *protocol.Writer, kind protocol.MessageType, name string) error {
	tracker := cn.outgoing
	if kind == protocol.SUB_TOPIC {
		tracker = cn.incoming
	}
	if err := tracker.Reserve(name); err != nil {
		if errors.Is(err, channel.ErrDuplicateChannel) {
			return nil
		}
		return err
	}
	cn.acks.Expect(ack.NewPending(kind, name, nil))
	logger.DebugF("[%s] Requesting %s for channel %s", cn.id, kind, name)
	return w.WriteFrame(protocol.NewRegisterFrame(kind, name))
}

// unregister 在writer锁内把条目转为Releasing后发出注销请求并等待确认.
// 条目不存在或尚未分配ID时返回channel包的错误, 不写任何数据
func (cn *link) unregister(ctx context.Context, kind protocol.MessageType, name string) error {
	tracker := cn.outgoing
	if kind == protocol.UNSUB_TOPIC {
		tracker = cn.incoming
	}
	pending := ack.NewPending(kind, name, nil)
	err := cn.exclusive(func(w *protocol.Writer) error {
		entry, err := tracker.Release(name)
		if err != nil {
			return err
		}
		cn.acks.Expect(pending)
		logger.DebugF("[%s] Releasing channel %s = %d (%s)", cn.id, name, entry.ID, kind)
		return w.WriteFrame(protocol.NewUnregisterFrame(kind, entry.ID))
	})
	if err != nil {
		return err
	}
	return pending.Wait(ctx)
}

func (cn *link) start() {
	cn.wg.Add(3)
	go func() {
		defer cn.wg.Done()
		err := cn.listen()
		cn.client.drop(cn, err)
	}()
	go func() {
		defer cn.wg.Done()
		cn.dispatchLoop()
	}()
	go func() {
		defer cn.wg.Done()
		for {
			select {
			case <-cn.kick:
				cn.client.drain(cn)
			case <-cn.done:
				return
			}
		}
	}()
}

// close 关闭连接并让所有等待ACK的调用失败, 可重复调用
func (cn *link) close(cause error) {
	cn.once.Do(func() {
		_ = cn.stream.Close()
		_ = cn.stream.Exclusive(func(*protocol.Writer) error {
			cn.closed = true
			if cause == nil {
				cause = ack.ErrConnectionLost
			}
			cn.acks.Fail(cause)
			return nil
		})
		close(cn.done)
	})
}

// violation 对端违反协议, 连接结束且客户端不再可用
func (cn *link) violation(code protocol.ErrorCode, format string, v ...interface{}) error {
	err := protocol.NewProtocolError(code, format, v...)
	logger.ErrorF("[%s] %v", cn.id, err)
	cn.client.metrics.ProtocolError(metrics.SideClient, string(code))
	return &ControlChannelError{Op: "listen", Err: err}
}

// readFailed 区分长度非法与连接中断
func (cn *link) readFailed(err error) error {
	if errors.Is(err, protocol.ErrInvalidLength) {
		return cn.violation(protocol.InvalidLength, "%v", err)
	}
	select {
	case <-cn.done:
		return nil
	default:
	}
	connection.HandleReadError(cn.id, err)
	return nil
}

// listen 唯一的读取协程, 返回nil表示连接正常或因I/O中断结束
func (cn *link) listen() error {
	stream := cn.stream
	logger.DebugF("[%s] Listening for data", cn.id)
	for {
		header, err := stream.ReadMessageType()
		if err != nil {
			return cn.readFailed(err)
		}
		logger.DebugF("[%s] Receiving %s", cn.id, header)

		switch header {
		case protocol.MSG_PUB:
			id, err := stream.ReadUInt16()
			if err != nil {
				return cn.readFailed(err)
			}
			length, err := stream.ReadInt32()
			if err != nil {
				return cn.readFailed(err)
			}
			if length < 1 || length > protocol.MaxBufferLength {
				return cn.violation(protocol.InvalidLength, "received invalid length %d", length)
			}
			payload, err := stream.ReadBuffer(int(length))
			if err != nil {
				return cn.readFailed(err)
			}
			if err := cn.exclusive(func(w *protocol.Writer) error {
				return w.WriteFrame(protocol.NewAckFrame(protocol.MSG_PUB))
			}); err != nil {
				return nil
			}
			name, ok := cn.incoming.Resolve(id)
			if !ok {
				return cn.violation(protocol.InvalidChannel, "could not locate incoming channel id %d", id)
			}
			cn.client.metrics.MessageReceived(metrics.SideClient)
			cn.enqueue(event{channel: name, data: payload})
		case protocol.ACK:
			acked, err := stream.ReadMessageType()
			if err != nil {
				return cn.readFailed(err)
			}
			if err := cn.handleAck(acked); err != nil {
				return err
			}
		case protocol.PING:
			if _, err := cn.acks.Resolve(protocol.PING); err != nil {
				logger.DebugF("[%s] Unsolicited PING from server", cn.id)
			}
		case protocol.ERROR:
			code, err := stream.ReadString()
			if err != nil {
				return cn.readFailed(err)
			}
			err = &ControlChannelError{Op: "listen", Err: protocol.NewProtocolError(protocol.ErrorCode(code), "server reported an error")}
			logger.ErrorF("[%s] %v", cn.id, err)
			return err
		case protocol.BYE:
			logger.DebugF("[%s] Server said bye", cn.id)
			return nil
		default:
			return cn.violation(protocol.InvalidMessage, "unknown message header %s", header)
		}
	}
}

// handleAck 按类型弹出最早的待确认请求, 没有待确认项属于协议错误
func (cn *link) handleAck(acked protocol.MessageType) error {
	if !acked.IsAckable() {
		return cn.violation(protocol.InvalidMessage, "unknown ACK for type %s", acked)
	}
	pending, err := cn.acks.Pop(acked)
	if err != nil {
		return cn.violation(protocol.InvalidMessage, "received ACK for %s when there wasn't any pending", acked)
	}

	switch acked {
	case protocol.PUB_TOPIC, protocol.SUB_TOPIC:
		id, err := cn.stream.ReadUInt16()
		if err != nil {
			ack.Complete(pending, err)
			return cn.readFailed(err)
		}
		pending.ChannelID = id
		tracker := cn.outgoing
		if acked == protocol.SUB_TOPIC {
			tracker = cn.incoming
		}
		if err := tracker.Assign(pending.Channel, id); err != nil {
			logger.WarnF("[%s] Could not assign channel %s = %d, details: %v", cn.id, pending.Channel, id, err)
			ack.Complete(pending, err)
			return nil
		}
		logger.DebugF("[%s] Channel %s = %d (%s)", cn.id, pending.Channel, id, acked)
		ack.Complete(pending, nil)
		if acked == protocol.PUB_TOPIC {
			// 不在读取协程中写, 由发送协程处理队列
			select {
			case cn.kick <- struct{}{}:
			default:
			}
		} else {
			cn.enqueue(event{channel: pending.Channel, registered: true})
		}
	case protocol.UNPUB_TOPIC, protocol.UNSUB_TOPIC:
		tracker := cn.outgoing
		if acked == protocol.UNSUB_TOPIC {
			tracker = cn.incoming
		}
		if entry, ok := tracker.Remove(pending.Channel); ok {
			logger.DebugF("[%s] Removed channel %s = %d (%s)", cn.id, pending.Channel, entry.ID, acked)
		} else {
			logger.WarnF("[%s] Could not remove channel %s from local registered channels", cn.id, pending.Channel)
		}
		ack.Complete(pending, nil)
		if acked == protocol.UNPUB_TOPIC {
			// 注销期间进入队列的消息需要重新申请ID
			select {
			case cn.kick <- struct{}{}:
			default:
			}
		} else if _, ok := cn.client.handler(pending.Channel); ok {
			// 注销期间重新注册了处理器
			err := cn.exclusive(func(w *protocol.Writer) error {
				return cn.register(w, protocol.SUB_TOPIC, pending.Channel)
			})
			if err != nil {
				logger.DebugF("[%s] Fail to resubscribe channel %s, details: %v", cn.id, pending.Channel, err)
			}
		}
	default:
		ack.Complete(pending, nil)
	}
	return nil
}

func (cn *link) enqueue(e event) {
	cn.events.Push(e)
	select {
	case cn.notify <- struct{}{}:
	default:
	}
}

// dispatchLoop 回调在独立协程中按到达顺序执行, 回调内可以调用Ping等需要读取协程配合的方法
func (cn *link) dispatchLoop() {
	for {
		select {
		case <-cn.notify:
			cn.dispatchAll()
		case <-cn.done:
			cn.dispatchAll()
			return
		}
	}
}

func (cn *link) dispatchAll() {
	for {
		e, ok := cn.events.Pop()
		if !ok {
			return
		}
		if e.registered {
			cn.client.notifyRegistered(e.channel)
			continue
		}
		cn.dispatch(e)
	}
}

func (cn *link) dispatch(e event) {
	handler, ok := cn.client.handler(e.channel)
	if !ok {
		logger.WarnF("[%s] No handler registered to handle channel %s. Message is lost.", cn.id, e.channel)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("[%s] Handler for channel %s panicked: %v", cn.id, e.channel, r)
		}
	}()
	handler(e.data)
}
