package serializer

// Serializer 抽象了网络层“对象 <-> 字节流”的序列化能力。
type Serializer interface {
	Marshal(v any) ([]byte, error)

	// Unmarshal 将字节序列解码到目标对象，v 通常为指针。
	Unmarshal(data []byte, v any) error
}
