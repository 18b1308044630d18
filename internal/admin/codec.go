package admin

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName 管理接口使用的gRPC内容子类型
const CodecName = "json"

// jsonCodec 管理接口的消息是普通结构体, 用JSON编码而不是protobuf
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
