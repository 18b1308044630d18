// Package ack 负责把对端的ACK与本端发出的请求对应起来.
//
// 协议没有请求ID: 同一种类型的请求, 对端总是按请求顺序回复ACK.
// 因此每种类型维护一个FIFO, 收到ACK时弹出最早的一项即可.
// 入队必须与帧写出在同一次writer锁内完成.
package ack

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/life-stream-dev/life-stream-control-channel/internal/protocol"
)

var (
	ErrUnexpectedAck  = errors.New("unexpected ack")
	ErrConnectionLost = errors.New("connection lost before ack")
)

// Pending 一个等待确认的请求
type Pending struct {
	Kind    protocol.MessageType
	Channel string
	Payload []byte
	// ChannelID 由PUB_TOPIC/SUB_TOPIC的ACK填入
	ChannelID uint16

	done chan struct{}
	once sync.Once
	err  error
}

func NewPending(kind protocol.MessageType, channel string, payload []byte) *Pending {
	return &Pending{
		Kind:    kind,
		Channel: channel,
		Payload: payload,
		done:    make(chan struct{}),
	}
}

func (p *Pending) complete(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done 请求完成(成功或失败)后关闭
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait 阻塞直到收到ACK, 连接失败或ctx结束
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Correlator 每种可确认类型一个FIFO
type Correlator struct {
	mu     sync.Mutex
	queues map[protocol.MessageType]*Queue[*Pending]
}

func NewCorrelator() *Correlator {
	return &Correlator{
		queues: make(map[protocol.MessageType]*Queue[*Pending]),
	}
}

func (c *Correlator) queue(kind protocol.MessageType) *Queue[*Pending] {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[kind]
	if !ok {
		q = NewQueue[*Pending]()
		c.queues[kind] = q
	}
	return q
}

// Expect 登记一个等待ACK的请求
func (c *Correlator) Expect(p *Pending) {
	c.queue(p.Kind).Push(p)
}

// Pop 取出kind最早的待确认项但不完成它, 用于需要先处理ACK内容的场景
func (c *Correlator) Pop(kind protocol.MessageType) (*Pending, error) {
	p, ok := c.queue(kind).Pop()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedAck, kind)
	}
	return p, nil
}

// Resolve 完成kind最早的待确认项
func (c *Correlator) Resolve(kind protocol.MessageType) (*Pending, error) {
	p, err := c.Pop(kind)
	if err != nil {
		return nil, err
	}
	p.complete(nil)
	return p, nil
}

// Complete 完成一个已经Pop出来的待确认项
func Complete(p *Pending, err error) {
	p.complete(err)
}

// Len 返回kind的待确认数量
func (c *Correlator) Len(kind protocol.MessageType) int {
	return c.queue(kind).Len()
}

// Fail 以err完成并丢弃所有待确认项
func (c *Correlator) Fail(err error) {
	if err == nil {
		err = ErrConnectionLost
	}
	c.mu.Lock()
	queues := c.queues
	c.queues = make(map[protocol.MessageType]*Queue[*Pending])
	c.mu.Unlock()

	for _, q := range queues {
		for _, p := range q.Drain() {
			p.complete(err)
		}
	}
}
