// Package json 是项目统一的 JSON 入口：编解码走 bytedance/sonic，
// 只读取单个字段的场景走 json-iterator 的惰性解析，避免完整反序列化。
package json

import (
	stdjson "encoding/json"

	"github.com/bytedance/sonic"
	jsoniter "github.com/json-iterator/go"
)

// 与 encoding/json 行为一致的配置：转义 HTML、map 按 key 排序、校验 UTF-8。
var api = sonic.ConfigStd

// RawMessage 用于延迟解码或原样转发的 JSON 片段。
type RawMessage = stdjson.RawMessage

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func MarshalToString(v any) (string, error) {
	return api.MarshalToString(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid 判断 data 是否为合法 JSON。
func Valid(data []byte) bool {
	return api.Valid(data)
}

// PeekInt 读取顶层对象中 key 对应的整数值，不解析其余字段。
// data 不是对象、key 不存在或值不是数字时返回 false。
func PeekInt(data []byte, key string) (int, bool) {
	val := jsoniter.Get(data, key)
	if val.LastError() != nil || val.ValueType() != jsoniter.NumberValue {
		return 0, false
	}
	return val.ToInt(), true
}
