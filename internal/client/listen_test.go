package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-control-channel/internal/protocol"
)

// peer 按线上格式扮演服务端
type peer struct {
	*protocol.Reader
	conn net.Conn
}

func (p *peer) write(frames ...*protocol.Frame) error {
	for _, frame := range frames {
		if _, err := p.conn.Write(frame.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// expect 读取与frame等长的数据并比较
func (p *peer) expect(t *testing.T, frame *protocol.Frame) bool {
	expected := frame.Bytes()
	got, err := p.ReadBuffer(len(expected))
	if !assert.NoError(t, err) {
		return false
	}
	return assert.Equal(t, expected, got)
}

func (p *peer) expectEOF(t *testing.T) bool {
	_, err := p.ReadByte()
	return assert.ErrorIs(t, err, protocol.ErrTerminated)
}

// accept 读取认证数据并回复reply
func (p *peer) accept(t *testing.T, reply *protocol.Frame) bool {
	version, err := p.ReadByte()
	if !assert.NoError(t, err) || !assert.Equal(t, protocol.Version, version) {
		return false
	}
	data, err := p.ReadControl()
	if !assert.NoError(t, err) || !assert.Equal(t, testAuthData, data) {
		return false
	}
	return assert.NoError(t, p.write(reply))
}

// fakeServer 接受一个连接并在后台执行script, 返回端口与script结束信号
func fakeServer(t *testing.T, script func(p *peer)) (int, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_ = conn.SetDeadline(time.Now().Add(waitTimeout))
		script(&peer{Reader: protocol.NewReader(conn), conn: conn})
	}()
	return ln.Addr().(*net.TCPAddr).Port, done
}

func waitScript(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * waitTimeout):
		t.Fatal("fake server script did not finish")
	}
}

func TestMessagesWaitForChannelID(t *testing.T) {
	requested := make(chan struct{})
	release := make(chan struct{})
	port, done := fakeServer(t, func(p *peer) {
		if !p.accept(t, protocol.NewVersionAckFrame()) {
			return
		}
		if !p.expect(t, protocol.NewRegisterFrame(protocol.PUB_TOPIC, "out")) {
			return
		}
		close(requested)
		<-release
		// ID到达之前不应发出任何消息, 第二条消息也不会重复申请
		_ = p.write(protocol.NewAckIDFrame(protocol.PUB_TOPIC, 7))
		if !p.expect(t, protocol.NewMessageFrame(7, []byte{1})) {
			return
		}
		if !p.expect(t, protocol.NewMessageFrame(7, []byte{2, 2})) {
			return
		}
		_ = p.write(protocol.NewAckFrame(protocol.MSG_PUB), protocol.NewAckFrame(protocol.MSG_PUB))
		p.expect(t, protocol.NewByeFrame())
	})

	c := newClient(t, port)
	require.NoError(t, c.Open(context.Background()))
	require.NoError(t, c.Send(context.Background(), "out", []byte{1}))
	<-requested
	require.NoError(t, c.Send(context.Background(), "out", []byte{2, 2}))
	assert.Equal(t, 2, c.Pending())
	close(release)

	assert.Eventually(t, func() bool { return c.Pending() == 0 }, waitTimeout, 10*time.Millisecond)
	require.NoError(t, c.Close())
	waitScript(t, done)
	assert.True(t, c.CanUse())
}

func TestVersionMismatchOnlyWarns(t *testing.T) {
	port, done := fakeServer(t, func(p *peer) {
		if !p.accept(t, protocol.NewRawFrame().PutType(protocol.ACK).PutByte(0x07)) {
			return
		}
		p.expect(t, protocol.NewByeFrame())
	})

	c := newClient(t, port)
	require.NoError(t, c.Open(context.Background()))
	assert.True(t, c.IsOpen())
	require.NoError(t, c.Close())
	waitScript(t, done)
}

func TestUnexpectedReplyIsPermanent(t *testing.T) {
	port, done := fakeServer(t, func(p *peer) {
		p.accept(t, protocol.NewRawFrame().PutByte(0x42))
	})

	c := newClient(t, port, WithRetryDelay(0))
	err := c.Open(context.Background())
	var permanent *ControlChannelError
	require.ErrorAs(t, err, &permanent)
	assert.Equal(t, "authenticate", permanent.Op)
	assert.False(t, c.CanUse())
	waitScript(t, done)
}

func TestClosedDuringAuthenticationIsTransient(t *testing.T) {
	port, done := fakeServer(t, func(p *peer) {
		_, _ = p.ReadByte()
	})

	c := newClient(t, port, WithRetryDelay(0))
	err := c.Open(context.Background())
	require.Error(t, err)
	var permanent *ControlChannelError
	assert.False(t, errors.As(err, &permanent))
	assert.True(t, c.CanUse())
	waitScript(t, done)
}

func TestFatalListenConditions(t *testing.T) {
	cases := []struct {
		name   string
		frames []*protocol.Frame
		// 客户端在断开前会回复的内容
		reply *protocol.Frame
	}{
		{
			name:   "ack without pending request",
			frames: []*protocol.Frame{protocol.NewAckFrame(protocol.MSG_PUB)},
		},
		{
			name:   "ack for a type that is never acknowledged",
			frames: []*protocol.Frame{protocol.NewAckFrame(protocol.BYE)},
		},
		{
			name:   "message on unknown channel",
			frames: []*protocol.Frame{protocol.NewMessageFrame(3, []byte{9})},
			reply:  protocol.NewAckFrame(protocol.MSG_PUB),
		},
		{
			name:   "message with zero length",
			frames: []*protocol.Frame{protocol.NewFrame(protocol.MSG_PUB).PutUInt16(0).PutInt32(0)},
		},
		{
			name:   "unknown header",
			frames: []*protocol.Frame{protocol.NewRawFrame().PutByte(0x42)},
		},
		{
			name:   "error reported by server",
			frames: []*protocol.Frame{protocol.NewErrorFrame(protocol.InternalError)},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			port, done := fakeServer(t, func(p *peer) {
				if !p.accept(t, protocol.NewVersionAckFrame()) {
					return
				}
				if !assert.NoError(t, p.write(tc.frames...)) {
					return
				}
				if tc.reply != nil && !p.expect(t, tc.reply) {
					return
				}
				p.expectEOF(t)
			})

			c := newClient(t, port)
			require.NoError(t, c.Open(context.Background()))
			assert.Eventually(t, func() bool { return !c.CanUse() }, waitTimeout, 10*time.Millisecond)
			assert.False(t, c.IsOpen())

			var permanent *ControlChannelError
			require.ErrorAs(t, c.Err(), &permanent)
			assert.Equal(t, "listen", permanent.Op)
			waitScript(t, done)
		})
	}
}

func TestServerByeEndsConnectionGracefully(t *testing.T) {
	port, done := fakeServer(t, func(p *peer) {
		if !p.accept(t, protocol.NewVersionAckFrame()) {
			return
		}
		_ = p.write(protocol.NewByeFrame())
		p.expectEOF(t)
	})

	c := newClient(t, port)
	require.NoError(t, c.Open(context.Background()))
	assert.Eventually(t, func() bool { return !c.IsOpen() }, waitTimeout, 10*time.Millisecond)
	assert.True(t, c.CanUse())
	waitScript(t, done)
}

func TestPendingAckFailsOnDisconnect(t *testing.T) {
	requested := make(chan struct{})
	port, done := fakeServer(t, func(p *peer) {
		if !p.accept(t, protocol.NewVersionAckFrame()) {
			return
		}
		if !p.expect(t, protocol.NewPingFrame()) {
			return
		}
		close(requested)
	})

	c := newClient(t, port)
	require.NoError(t, c.Open(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Ping(context.Background()) }()
	<-requested
	waitScript(t, done)

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("ping did not fail after disconnect")
	}
}

func TestSendWhileReleasingWaitsForNewID(t *testing.T) {
	released := make(chan struct{})
	sent := make(chan struct{})
	port, done := fakeServer(t, func(p *peer) {
		if !p.accept(t, protocol.NewVersionAckFrame()) {
			return
		}
		if !p.expect(t, protocol.NewRegisterFrame(protocol.PUB_TOPIC, "out")) {
			return
		}
		_ = p.write(protocol.NewAckIDFrame(protocol.PUB_TOPIC, 3))
		if !p.expect(t, protocol.NewMessageFrame(3, []byte{1})) {
			return
		}
		_ = p.write(protocol.NewAckFrame(protocol.MSG_PUB))
		if !p.expect(t, protocol.NewUnregisterFrame(protocol.UNPUB_TOPIC, 3)) {
			return
		}
		close(released)
		<-sent
		// 注销确认之前不能在ID 3上发送, 确认之后重新申请
		_ = p.write(protocol.NewAckFrame(protocol.UNPUB_TOPIC))
		if !p.expect(t, protocol.NewRegisterFrame(protocol.PUB_TOPIC, "out")) {
			return
		}
		_ = p.write(protocol.NewAckIDFrame(protocol.PUB_TOPIC, 4))
		if !p.expect(t, protocol.NewMessageFrame(4, []byte{2})) {
			return
		}
		_ = p.write(protocol.NewAckFrame(protocol.MSG_PUB))
		p.expect(t, protocol.NewByeFrame())
	})

	c := newClient(t, port)
	require.NoError(t, c.Open(context.Background()))
	require.NoError(t, c.Send(context.Background(), "out", []byte{1}))
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, waitTimeout, 10*time.Millisecond)

	errCh := make(chan error, 1)
	go func() { errCh <- c.ReleaseChannel(context.Background(), "out") }()
	<-released
	assert.ErrorIs(t, c.ReleaseChannel(context.Background(), "out"), ErrChannelNotAssigned)
	require.NoError(t, c.Send(context.Background(), "out", []byte{2}))
	assert.Equal(t, 1, c.Pending())
	close(sent)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("release was not acknowledged")
	}
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, waitTimeout, 10*time.Millisecond)
	require.NoError(t, c.Close())
	waitScript(t, done)
	assert.True(t, c.CanUse())
	assert.NoError(t, c.Err())
}

func TestRegisterWhileUnsubscribingResubscribes(t *testing.T) {
	unsubscribing := make(chan struct{})
	reregistered := make(chan struct{})
	port, done := fakeServer(t, func(p *peer) {
		if !p.accept(t, protocol.NewVersionAckFrame()) {
			return
		}
		if !p.expect(t, protocol.NewRegisterFrame(protocol.SUB_TOPIC, "in")) {
			return
		}
		_ = p.write(protocol.NewAckIDFrame(protocol.SUB_TOPIC, 2))
		if !p.expect(t, protocol.NewUnregisterFrame(protocol.UNSUB_TOPIC, 2)) {
			return
		}
		close(unsubscribing)
		<-reregistered
		_ = p.write(protocol.NewAckFrame(protocol.UNSUB_TOPIC))
		if !p.expect(t, protocol.NewRegisterFrame(protocol.SUB_TOPIC, "in")) {
			return
		}
		_ = p.write(protocol.NewAckIDFrame(protocol.SUB_TOPIC, 6), protocol.NewMessageFrame(6, []byte{7}))
		if !p.expect(t, protocol.NewAckFrame(protocol.MSG_PUB)) {
			return
		}
		p.expect(t, protocol.NewByeFrame())
	})

	registered := make(chan string, 4)
	received := make(chan []byte, 1)
	c := newClient(t, port)
	c.OnChannelRegistered(func(name string) { registered <- name })
	require.NoError(t, c.RegisterChannelHandler("in", func([]byte) {}))
	require.NoError(t, c.Open(context.Background()))

	select {
	case name := <-registered:
		assert.Equal(t, "in", name)
	case <-time.After(waitTimeout):
		t.Fatal("subscription was not acknowledged")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.UnregisterChannelHandler(context.Background(), "in") }()
	<-unsubscribing
	require.NoError(t, c.RegisterChannelHandler("in", func(data []byte) { received <- data }))
	close(reregistered)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("unsubscribe was not acknowledged")
	}
	select {
	case data := <-received:
		assert.Equal(t, []byte{7}, data)
	case <-time.After(waitTimeout):
		t.Fatal("handler registered during unsubscribe never received a message")
	}
	require.NoError(t, c.Close())
	waitScript(t, done)
	assert.True(t, c.CanUse())
}
