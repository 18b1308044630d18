package protocol

import (
	"bufio"
	"io"
	"sync"

	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
)

// Stream 一条双向字节流. 读取只允许在单一的监听协程中进行,
// 写入通过writer锁串行化, 保证每一帧完整写出不与其他帧交错
type Stream struct {
	*Reader
	conn      io.ReadWriteCloser
	id        string
	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Writer 只在持有writer锁期间有效
type Writer struct {
	s *Stream
}

func NewStream(conn io.ReadWriteCloser, id string) *Stream {
	return &Stream{
		Reader: NewReader(bufio.NewReader(conn)),
		conn:   conn,
		id:     id,
		closed: make(chan struct{}),
	}
}

func (s *Stream) ID() string {
	return s.id
}

// Exclusive 在writer锁内执行fn. 需要ACK的请求必须在同一次Exclusive中
// 先登记待确认项再写帧, 否则监听协程可能先于登记读到ACK
func (s *Stream) Exclusive(fn func(w *Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Writer{s: s})
}

// WriteFrame 独占写出一帧
func (s *Stream) WriteFrame(frame *Frame) error {
	return s.Exclusive(func(w *Writer) error {
		return w.WriteFrame(frame)
	})
}

// WriteFrame 写出完整的一帧, 调用方必须处于Exclusive中
func (w *Writer) WriteFrame(frame *Frame) error {
	data := frame.Bytes()
	total := 0
	for total < len(data) {
		n, err := w.s.conn.Write(data[total:])
		if err != nil {
			logger.DebugF("[%s] Fail to send data, details: %v", w.s.id, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes", w.s.id, total)
	return nil
}

// Close 关闭底层连接, 阻塞在读取上的一方会随之返回错误
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// Done 在Close之后关闭
func (s *Stream) Done() <-chan struct{} {
	return s.closed
}
