package compressor

import (
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

// defaultMaxDecoded 与 framer 的默认最大帧一致。
const defaultMaxDecoded = 16 << 20

var errCompressorClosed = errors.New("compressor: closed")

// ZstdCompressor 压缩单条消息体。EncodeAll/DecodeAll 并发安全，
// 一个节点上的所有会话共享同一实例。
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var _ Compressor = (*ZstdCompressor)(nil)

// NewZstdCompressor 创建压缩器。maxDecoded 限制单条消息解压后的大小，
// 防止对端用极小的压缩包换取巨大的内存分配；<= 0 时取 16MB。
func NewZstdCompressor(maxDecoded int) (*ZstdCompressor, error) {
	if maxDecoded <= 0 {
		maxDecoded = defaultMaxDecoded
	}
	workers := runtime.GOMAXPROCS(0)

	// 聊天消息短小且对时延敏感，压缩级别取最快。
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(workers),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "compressor: new zstd encoder")
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(workers),
		zstd.WithDecoderMaxMemory(uint64(maxDecoded)),
	)
	if err != nil {
		enc.Close()
		return nil, errors.Wrap(err, "compressor: new zstd decoder")
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

func (c *ZstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	if c.enc == nil {
		return nil, errCompressorClosed
	}
	return c.enc.EncodeAll(src, dst[:0]), nil
}

func (c *ZstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	if c.dec == nil {
		return nil, errCompressorClosed
	}
	plain, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, errors.Wrap(err, "compressor: zstd decode")
	}
	return plain, nil
}

// Close 可重复调用，关闭后 Compress/Decompress 返回错误。
func (c *ZstdCompressor) Close() {
	if c.enc != nil {
		_ = c.enc.Close()
		c.enc = nil
	}
	if c.dec != nil {
		c.dec.Close()
		c.dec = nil
	}
}
