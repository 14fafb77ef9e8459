package compressor

// Compressor 抽象了“单次压缩/解压”能力，面向单条网络消息。
type Compressor interface {
	// Compress 将 src 压缩后追加到 dst[:0]，返回完整的压缩数据。
	Compress(dst, src []byte) (packet []byte, err error)

	// Decompress 将 Compress 的输出 src 解压后追加到 dst[:0]。
	Decompress(dst, src []byte) (plain []byte, err error)
}

// NopCompressor 不做任何压缩，未开启压缩时作为默认实现。
type NopCompressor struct{}

func (NopCompressor) Compress(_ []byte, src []byte) ([]byte, error) {
	return src, nil
}

func (NopCompressor) Decompress(_ []byte, src []byte) ([]byte, error) {
	return src, nil
}

var _ Compressor = NopCompressor{}
