// Package client 实现控制通道的客户端: 断线重连, 离线消息队列, 以及两阶段的通道注册
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-control-channel/internal/ack"
	"github.com/life-stream-dev/life-stream-control-channel/internal/channel"
	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
	"github.com/life-stream-dev/life-stream-control-channel/internal/metrics"
	"github.com/life-stream-dev/life-stream-control-channel/internal/protocol"
	"github.com/life-stream-dev/life-stream-control-channel/internal/utils"
)

const (
	DefaultRetryDelay  = 10 * time.Second
	DefaultDialTimeout = 5 * time.Second
)

var (
	ErrHandlerExists        = errors.New("channel handler already registered")
	ErrAuthenticationFailed = errors.New("server refused authentication")
	ErrRetryLater           = errors.New("reconnect delayed by backoff")
	ErrNotOpen              = errors.New("client is not open")
	ErrChannelNotAssigned   = errors.New("channel has no id yet")
	ErrUnknownHandler       = errors.New("channel handler not registered")
	ErrUnknownChannel       = errors.New("channel not registered on this connection")
)

// ControlChannelError 不可自动恢复的错误, 出现后客户端不再可用
type ControlChannelError struct {
	Op  string
	Err error
}

func (e *ControlChannelError) Error() string {
	return fmt.Sprintf("control channel %s: %v", e.Op, e.Err)
}

func (e *ControlChannelError) Unwrap() error {
	return e.Err
}

// State 客户端连接状态
type State int32

const (
	Closed State = iota
	Connecting
	Authenticating
	Open
)

var stateNames = map[State]string{
	Closed:         "Closed",
	Connecting:     "Connecting",
	Authenticating: "Authenticating",
	Open:           "Open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MessageHandler 处理服务端推送到某个通道的消息
type MessageHandler func(data []byte)

type Option func(*Client)

// WithSecure 启用TLS. validate为nil时使用系统根证书校验服务端,
// clientCert不为nil时向服务端出示客户端证书
func WithSecure(validate func(chain []*x509.Certificate) error, clientCert *tls.Certificate) Option {
	return func(c *Client) {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if validate != nil {
			// 由调用方的回调完全接管服务端证书校验
			cfg.InsecureSkipVerify = true
			cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				chain := make([]*x509.Certificate, 0, len(rawCerts))
				for _, raw := range rawCerts {
					cert, err := x509.ParseCertificate(raw)
					if err != nil {
						return fmt.Errorf("parse server certificate: %w", err)
					}
					chain = append(chain, cert)
				}
				return validate(chain)
			}
		}
		if clientCert != nil {
			cfg.Certificates = []tls.Certificate{*clientCert}
		}
		c.tlsConfig = cfg
	}
}

func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

// WithRetryDelay 连接失败后至少等待d才会再次拨号
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithClock 替换重连计时使用的时钟
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// message 待发送的一条消息, 断线期间保留在队列中
type message struct {
	channel string
	data    []byte
}

type Client struct {
	host        string
	port        int
	name        string
	authData    map[string]string
	tlsConfig   *tls.Config
	retryDelay  time.Duration
	dialTimeout time.Duration
	metrics     *metrics.Metrics
	now         func() time.Time

	// connectMu 串行化Open与Close
	connectMu sync.Mutex

	mu        sync.RWMutex
	conn      *link
	err       error
	nextRetry time.Time
	state     atomic.Int32

	handlersMu sync.RWMutex
	handlers   map[string]MessageHandler

	observersMu  sync.Mutex
	observers    map[uint64]func(channel string)
	nextObserver uint64

	queue *ack.Queue[*message]
}

func New(host string, port int, authData map[string]string, opts ...Option) *Client {
	data := make(map[string]string, len(authData))
	for k, v := range authData {
		data[k] = v
	}
	c := &Client{
		host:        host,
		port:        port,
		name:        utils.GenIDWith("client-"),
		authData:    data,
		retryDelay:  DefaultRetryDelay,
		dialTimeout: DefaultDialTimeout,
		now:         time.Now,
		handlers:    make(map[string]MessageHandler),
		observers:   make(map[uint64]func(string)),
		queue:       ack.NewQueue[*message](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Host() string {
	return c.host
}

func (c *Client) Port() int {
	return c.port
}

func (c *Client) IsSecure() bool {
	return c.tlsConfig != nil
}

func (c *Client) IsOpen() bool {
	return c.current() != nil
}

// CanUse 出现永久性错误后返回false
func (c *Client) CanUse() bool {
	return c.Err() == nil
}

// Err 返回导致客户端不可用的错误
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Pending 返回尚未写出的消息数
func (c *Client) Pending() int {
	return c.queue.Len()
}

func (c *Client) current() *link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Open 建立连接并完成认证. 已打开时什么都不做,
// 上次失败后的重连间隔内返回ErrRetryLater
func (c *Client) Open(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if err := c.Err(); err != nil {
		return err
	}
	if c.IsOpen() {
		return nil
	}
	now := c.now()
	c.mu.RLock()
	nextRetry := c.nextRetry
	c.mu.RUnlock()
	if now.Before(nextRetry) {
		logger.DebugF("[%s] Reconnect delayed until %s", c.name, nextRetry.Format(time.RFC3339))
		return ErrRetryLater
	}

	c.metrics.ConnectAttempt()
	cn, err := c.connect(ctx)
	if err != nil {
		c.mu.Lock()
		c.nextRetry = now.Add(c.retryDelay)
		var permanent *ControlChannelError
		if errors.As(err, &permanent) {
			c.err = err
		}
		c.mu.Unlock()
		c.state.Store(int32(Closed))
		if permanent != nil {
			logger.ErrorF("[%s] Permanent error, details: %v", c.name, err)
		} else {
			logger.WarnF("[%s] Connection error, details: %v", c.name, err)
		}
		return err
	}

	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
	c.state.Store(int32(Open))
	cn.start()
	logger.InfoF("[%s] Connected to %s:%d", c.name, c.host, c.port)

	// 重新订阅已记住的通道, 再发送离线期间积累的消息
	err = cn.exclusive(func(w *protocol.Writer) error {
		for _, name := range c.handlerNames() {
			if err := cn.register(w, protocol.SUB_TOPIC, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.DebugF("[%s] Fail to restore subscriptions, details: %v", c.name, err)
		return nil
	}
	c.drain(cn)
	return nil
}

func (c *Client) connect(ctx context.Context) (*link, error) {
	c.state.Store(int32(Connecting))
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	logger.DebugF("[%s] Connecting to %s", c.name, addr)

	dialer := &net.Dialer{Timeout: c.dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// 握手与认证共用拨号超时
	_ = raw.SetDeadline(time.Now().Add(c.dialTimeout))

	var rw net.Conn = raw
	if c.tlsConfig != nil {
		cfg := c.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = c.host
		}
		tlsConn := tls.Client(raw, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		rw = tlsConn
	} else {
		logger.WarnF("[%s] Using an unsecure connection", c.name)
	}

	cn := newLink(c, raw, protocol.NewStream(rw, c.name))
	if err := c.authenticate(cn); err != nil {
		_ = cn.stream.Close()
		return nil, err
	}
	_ = raw.SetDeadline(time.Time{})
	return cn, nil
}

func (c *Client) authenticate(cn *link) error {
	c.state.Store(int32(Authenticating))
	logger.DebugF("[%s] Authenticating with protocol version %d", c.name, protocol.Version)
	stream := cn.stream

	if err := stream.WriteFrame(protocol.NewAuthFrame(c.authData)); err != nil {
		return err
	}
	reply, err := stream.ReadMessageType()
	if err != nil {
		return fmt.Errorf("connection was closed during authentication: %w", err)
	}
	switch reply {
	case protocol.ACK:
	case protocol.AUTH_FAIL:
		c.metrics.AuthFailed()
		return &ControlChannelError{Op: "authenticate", Err: ErrAuthenticationFailed}
	default:
		return &ControlChannelError{Op: "authenticate", Err: fmt.Errorf("server refused authentication with %s", reply)}
	}
	version, err := stream.ReadByte()
	if err != nil {
		return fmt.Errorf("connection was closed during authentication: %w", err)
	}
	if version != protocol.Version {
		logger.WarnF("[%s] Server responded with version %d, expected %d", c.name, version, protocol.Version)
	}
	return nil
}

// Close 断开当前连接, 离线队列中的消息保留到下次Open
func (c *Client) Close() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.state.Store(int32(Closed))
	if cn == nil {
		return nil
	}
	_ = cn.exclusive(func(w *protocol.Writer) error {
		_ = cn.raw.SetWriteDeadline(time.Now().Add(time.Second))
		return w.WriteFrame(protocol.NewByeFrame())
	})
	cn.close(nil)
	logger.InfoF("[%s] Connection closed", c.name)
	return nil
}

// drop 由监听协程在连接结束时调用
func (c *Client) drop(cn *link, cause error) {
	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
		c.state.Store(int32(Closed))
	}
	var permanent *ControlChannelError
	if errors.As(cause, &permanent) && c.err == nil {
		c.err = cause
	}
	c.mu.Unlock()
	cn.close(cause)
}

// RegisterChannelHandler 为服务端推送的通道注册处理器, 已连接时立即订阅
func (c *Client) RegisterChannelHandler(name string, handler MessageHandler) error {
	if err := protocol.ValidateChannelName(name); err != nil {
		return err
	}
	c.handlersMu.Lock()
	if _, ok := c.handlers[name]; ok {
		c.handlersMu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandlerExists, name)
	}
	c.handlers[name] = handler
	c.handlersMu.Unlock()

	if cn := c.current(); cn != nil {
		err := cn.exclusive(func(w *protocol.Writer) error {
			return cn.register(w, protocol.SUB_TOPIC, name)
		})
		if err != nil {
			logger.DebugF("[%s] Fail to subscribe channel %s, details: %v", c.name, name, err)
		}
	}
	return nil
}

// UnregisterChannelHandler 移除处理器, 通道已分配ID时向服务端退订并等待确认
func (c *Client) UnregisterChannelHandler(ctx context.Context, name string) error {
	c.handlersMu.Lock()
	_, ok := c.handlers[name]
	delete(c.handlers, name)
	c.handlersMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}

	cn := c.current()
	if cn == nil {
		return nil
	}
	err := cn.unregister(ctx, protocol.UNSUB_TOPIC, name)
	if errors.Is(err, channel.ErrUnknownChannel) || errors.Is(err, channel.ErrNotAssigned) {
		// 订阅尚未确认, 只移除本地处理器
		return nil
	}
	return err
}

// ReleaseChannel 释放一个发布通道的ID, 之后的Send会重新申请
func (c *Client) ReleaseChannel(ctx context.Context, name string) error {
	cn := c.current()
	if cn == nil {
		return ErrNotOpen
	}
	err := cn.unregister(ctx, protocol.UNPUB_TOPIC, name)
	switch {
	case errors.Is(err, channel.ErrUnknownChannel):
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	case errors.Is(err, channel.ErrNotAssigned):
		return fmt.Errorf("%w: %s", ErrChannelNotAssigned, name)
	}
	return err
}

// OnChannelRegistered 订阅通道被服务端确认后回调fn, 返回值用于取消
func (c *Client) OnChannelRegistered(fn func(channel string)) func() {
	c.observersMu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn
	c.observersMu.Unlock()

	return func() {
		c.observersMu.Lock()
		delete(c.observers, id)
		c.observersMu.Unlock()
	}
}

// Ping 等待服务端回复PING
func (c *Client) Ping(ctx context.Context) error {
	cn := c.current()
	if cn == nil {
		return ErrNotOpen
	}
	pending := ack.NewPending(protocol.PING, "", nil)
	err := cn.exclusive(func(w *protocol.Writer) error {
		cn.acks.Expect(pending)
		return w.WriteFrame(protocol.NewPingFrame())
	})
	if err != nil {
		return err
	}
	return pending.Wait(ctx)
}

// Send 把消息放入队列并尽力发出. 未连接时尝试连接, 连接不上则消息留在队列中
func (c *Client) Send(ctx context.Context, channelName string, data []byte) error {
	if err := protocol.ValidateChannelName(channelName); err != nil {
		return err
	}
	if err := protocol.ValidatePayload(data); err != nil {
		return err
	}
	if err := c.Err(); err != nil {
		return err
	}

	c.queue.Push(&message{channel: channelName, data: bytes.Clone(data)})
	c.metrics.SetQueued(c.queue.Len())

	cn := c.current()
	if cn == nil {
		err := c.Open(ctx)
		var permanent *ControlChannelError
		if errors.As(err, &permanent) {
			return err
		}
		if err != nil {
			logger.DebugF("[%s] Message on channel %s queued while offline", c.name, channelName)
		}
		return nil
	}
	c.drain(cn)
	return nil
}

// drain 在writer锁内处理离线队列. 同一次处理中每个通道的状态只取一次,
// 保证同一通道的消息不会因为中途分配ID而乱序. Releasing通道的消息留在队列中,
// 等注销确认后重新申请
func (c *Client) drain(cn *link) {
	err := cn.exclusive(func(w *protocol.Writer) error {
		msgs := c.queue.Drain()
		if len(msgs) == 0 {
			return nil
		}
		var left []*message
		states := make(map[string]channel.Entry)
		for i, msg := range msgs {
			entry, seen := states[msg.channel]
			if !seen {
				var ok bool
				entry, ok = cn.outgoing.Lookup(msg.channel)
				if !ok {
					if err := cn.register(w, protocol.PUB_TOPIC, msg.channel); err != nil {
						c.queue.Prepend(append(left, msgs[i:]...)...)
						return err
					}
					entry = channel.Entry{State: channel.Pending}
				}
				states[msg.channel] = entry
			}

			if entry.State != channel.Assigned {
				left = append(left, msg)
				continue
			}
			cn.acks.Expect(ack.NewPending(protocol.MSG_PUB, msg.channel, msg.data))
			if err := w.WriteFrame(protocol.NewMessageFrame(entry.ID, msg.data)); err != nil {
				c.queue.Prepend(append(left, msgs[i:]...)...)
				return err
			}
			c.metrics.MessageSent(metrics.SideClient)
			logger.DebugF("[%s] Sent message on channel %s (%d)", c.name, msg.channel, entry.ID)
		}
		if len(left) > 0 {
			logger.DebugF("[%s] %d message(s) waiting for channel ids", c.name, len(left))
			c.queue.Prepend(left...)
		}
		return nil
	})
	if err != nil {
		logger.DebugF("[%s] Fail to process queue, details: %v", c.name, err)
	}
	c.metrics.SetQueued(c.queue.Len())
}

func (c *Client) handler(name string) (MessageHandler, bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	h, ok := c.handlers[name]
	return h, ok
}

func (c *Client) handlerNames() []string {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	return names
}

func (c *Client) notifyRegistered(name string) {
	c.observersMu.Lock()
	fns := make([]func(string), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.observersMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorF("[%s] Channel registered callback panicked: %v", c.name, r)
				}
			}()
			fn(name)
		}()
	}
}
