package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxBufferLength 单个长度前缀允许的最大字节数
const MaxBufferLength = 256 << 20

var (
	ErrTerminated    = errors.New("connection terminated")
	ErrInvalidLength = errors.New("invalid length")
)

// 两端统一使用小端序
var byteOrder = binary.LittleEndian

// Frame 一个完整的逻辑报文, 在内存中组装后一次性写出
type Frame struct {
	buf []byte
}

// NewFrame 创建以报文类型开头的帧
func NewFrame(t MessageType) *Frame {
	return &Frame{buf: []byte{byte(t)}}
}

// NewRawFrame 创建不带报文类型的帧, 仅用于连接前导
func NewRawFrame() *Frame {
	return &Frame{buf: make([]byte, 0, 16)}
}

func (f *Frame) PutByte(b byte) *Frame {
	f.buf = append(f.buf, b)
	return f
}

func (f *Frame) PutType(t MessageType) *Frame {
	return f.PutByte(byte(t))
}

func (f *Frame) PutUInt16(v uint16) *Frame {
	f.buf = byteOrder.AppendUint16(f.buf, v)
	return f
}

func (f *Frame) PutInt32(v int32) *Frame {
	f.buf = byteOrder.AppendUint32(f.buf, uint32(v))
	return f
}

// PutBuffer 追加原始字节, 长度由调用方另行约定
func (f *Frame) PutBuffer(p []byte) *Frame {
	f.buf = append(f.buf, p...)
	return f
}

// PutBytes 追加int32长度前缀和数据
func (f *Frame) PutBytes(p []byte) *Frame {
	return f.PutInt32(int32(len(p))).PutBuffer(p)
}

// PutString 追加int32字节长度前缀和UTF-8数据
func (f *Frame) PutString(s string) *Frame {
	f.PutInt32(int32(len(s)))
	f.buf = append(f.buf, s...)
	return f
}

// PutControl 追加int32长度前缀和编码后的控制表
func (f *Frame) PutControl(m map[string]string) *Frame {
	return f.PutBytes(EncodeControl(m))
}

func (f *Frame) Bytes() []byte {
	return f.buf
}

func (f *Frame) Len() int {
	return len(f.buf)
}

// Reader 从字节流读取协议基本类型, 读不满即失败
type Reader struct {
	r       io.Reader
	scratch [4]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) readFull(p []byte) error {
	if _, err := io.ReadFull(r.r, p); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %w", ErrTerminated, err)
		}
		return err
	}
	return nil
}

func (r *Reader) ReadByte() (byte, error) {
	if err := r.readFull(r.scratch[:1]); err != nil {
		return 0, err
	}
	return r.scratch[0], nil
}

func (r *Reader) ReadMessageType() (MessageType, error) {
	b, err := r.ReadByte()
	return MessageType(b), err
}

func (r *Reader) ReadUInt16() (uint16, error) {
	if err := r.readFull(r.scratch[:2]); err != nil {
		return 0, err
	}
	return byteOrder.Uint16(r.scratch[:2]), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	if err := r.readFull(r.scratch[:4]); err != nil {
		return 0, err
	}
	return int32(byteOrder.Uint32(r.scratch[:4])), nil
}

// ReadLength 读取int32长度前缀, 负数或超过上限视为协议错误
func (r *Reader) ReadLength() (int, error) {
	length, err := r.ReadInt32()
	if err != nil {
		return 0, err
	}
	if length < 0 || length > MaxBufferLength {
		return int(length), fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	return int(length), nil
}

// ReadBuffer 读取恰好length个字节
func (r *Reader) ReadBuffer(length int) ([]byte, error) {
	if length < 0 || length > MaxBufferLength {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	if err := r.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadBytes 读取int32长度前缀及其后的数据
func (r *Reader) ReadBytes() ([]byte, error) {
	length, err := r.ReadLength()
	if err != nil {
		return nil, err
	}
	return r.ReadBuffer(length)
}

func (r *Reader) ReadString() (string, error) {
	buf, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (r *Reader) ReadControl() (map[string]string, error) {
	buf, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	return DecodeControl(buf)
}

// checkLength 确认长度可以用int32前缀表示
func checkLength(n int) error {
	if n > math.MaxInt32 || n > MaxBufferLength {
		return fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	return nil
}
