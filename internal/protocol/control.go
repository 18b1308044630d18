package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

var ErrMalformedControl = errors.New("malformed control map")

// EncodeControl 将控制表编码为扁平的键值列表:
// int32条目数, 随后按键升序依次写入 string键 string值
func EncodeControl(m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	frame := NewRawFrame()
	frame.PutInt32(int32(len(keys)))
	for _, key := range keys {
		frame.PutString(key)
		frame.PutString(m[key])
	}
	return frame.Bytes()
}

// DecodeControl 解码EncodeControl产生的数据, 尾部多余字节视为错误
func DecodeControl(data []byte) (map[string]string, error) {
	reader := NewReader(bytes.NewReader(data))
	count, err := reader.ReadInt32()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedControl, err)
	}
	// 每个条目至少占8字节
	if count < 0 || int(count) > len(data)/8 {
		return nil, fmt.Errorf("%w: invalid entry count %d", ErrMalformedControl, count)
	}

	result := make(map[string]string, count)
	consumed := 4
	for i := 0; i < int(count); i++ {
		key, err := reader.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d key: %w", ErrMalformedControl, i, err)
		}
		value, err := reader.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d value: %w", ErrMalformedControl, i, err)
		}
		if _, ok := result[key]; ok {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrMalformedControl, key)
		}
		result[key] = value
		consumed += 8 + len(key) + len(value)
	}
	if consumed != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedControl, len(data)-consumed)
	}
	return result, nil
}
