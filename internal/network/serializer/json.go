package serializer

import (
	"github.com/lk2023060901/chat-garden-go/internal/json"
)

// JSONSerializer 使用 internal/json 实现 JSON 编解码。
// []byte 与 json.RawMessage 视为已编码好的 JSON，原样透传。
type JSONSerializer struct{}

var _ Serializer = (*JSONSerializer)(nil)

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	switch raw := v.(type) {
	case []byte:
		return raw, nil
	case json.RawMessage:
		return raw, nil
	}
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
