package codec

import (
	"bufio"
	"fmt"
	"io"

	"github.com/lk2023060901/chat-garden-go/internal/network/compressor"
	"github.com/lk2023060901/chat-garden-go/internal/network/framer"
	"github.com/lk2023060901/chat-garden-go/internal/network/serializer"
)

// Codec 抽象了“从业务对象到网络帧，以及从网络帧回到业务对象”的完整编解码流程。
//
// Pipeline（写出 Encode）：
//
//	msg --> serializer --> [flag + compress?] --> framer.WriteFrame
//
// Pipeline（读入 Decode）：
//
//	framer.ReadFrame --> [flag + decompress?] --> serializer --> msg
type Codec interface {
	// Marshal 只做序列化，供会话在 Send 时提前完成编码。
	Marshal(msg any) ([]byte, error)

	// EncodeRaw 将已序列化好的明文字节封帧写出。
	EncodeRaw(w io.Writer, payload []byte) error

	// Encode 等价于 Marshal + EncodeRaw。
	Encode(w io.Writer, msg any) error

	// DecodeRaw 读取一帧并返回解压后的明文字节，不做反序列化。
	DecodeRaw(r *bufio.Reader) ([]byte, error)

	// Decode 读取一帧并反序列化到 msg（通常为指针）。
	Decode(r *bufio.Reader, msg any) error
}

// Options 用于构造 Codec 的依赖注入参数。
type Options struct {
	Framer     framer.Framer         // 为 nil 时使用 LineFramer
	Serializer serializer.Serializer // 为 nil 时使用 JSONSerializer
	Compressor compressor.Compressor // 为 nil 时使用 NopCompressor

	// EnableCompression 开启后每帧首字节为压缩标记，要求 Framer 二进制安全。
	EnableCompression bool
	// MinCompressSize 小于该长度的消息不压缩。
	MinCompressSize int
}

const (
	flagRaw  byte = 0
	flagZstd byte = 1
)

type codec struct {
	framer     framer.Framer
	serializer serializer.Serializer
	compressor compressor.Compressor

	compress        bool
	minCompressSize int
}

var _ Codec = (*codec)(nil)

// New 创建一个基于给定依赖的 Codec。
func New(opts Options) (Codec, error) {
	c := &codec{
		framer:          opts.Framer,
		serializer:      opts.Serializer,
		compressor:      opts.Compressor,
		compress:        opts.EnableCompression,
		minCompressSize: opts.MinCompressSize,
	}
	if c.framer == nil {
		c.framer = framer.NewLineFramer(0)
	}
	if c.serializer == nil {
		c.serializer = serializer.JSONSerializer{}
	}
	if c.compressor == nil {
		c.compressor = compressor.NopCompressor{}
	}
	if c.compress && !c.framer.BinarySafe() {
		return nil, fmt.Errorf("codec: compression requires a binary safe framer")
	}
	return c, nil
}

// Default 返回按行分隔的纯 JSON 编解码器。
func Default() Codec {
	c, _ := New(Options{})
	return c
}

func (c *codec) Marshal(msg any) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("codec: msg is nil")
	}
	body, err := c.serializer.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal failed: %w", err)
	}
	return body, nil
}

func (c *codec) EncodeRaw(w io.Writer, payload []byte) error {
	if w == nil {
		return fmt.Errorf("codec: writer is nil")
	}
	if c.compress {
		frame, err := c.pack(payload)
		if err != nil {
			return err
		}
		payload = frame
	}
	if err := c.framer.WriteFrame(w, payload); err != nil {
		return fmt.Errorf("codec: write frame failed: %w", err)
	}
	return nil
}

func (c *codec) Encode(w io.Writer, msg any) error {
	body, err := c.Marshal(msg)
	if err != nil {
		return err
	}
	return c.EncodeRaw(w, body)
}

func (c *codec) DecodeRaw(r *bufio.Reader) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("codec: reader is nil")
	}
	frame, err := c.framer.ReadFrame(r)
	if err != nil {
		// io.EOF 原样返回，便于上层区分对端正常关闭。
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("codec: read frame failed: %w", err)
	}
	if !c.compress {
		return frame, nil
	}
	return c.unpack(frame)
}

func (c *codec) Decode(r *bufio.Reader, msg any) error {
	data, err := c.DecodeRaw(r)
	if err != nil {
		return err
	}
	if msg != nil && len(data) > 0 {
		if err := c.serializer.Unmarshal(data, msg); err != nil {
			return fmt.Errorf("codec: unmarshal failed: %w", err)
		}
	}
	return nil
}

func (c *codec) pack(body []byte) ([]byte, error) {
	if len(body) < c.minCompressSize || len(body) == 0 {
		return append([]byte{flagRaw}, body...), nil
	}
	packet, err := c.compressor.Compress(nil, body)
	if err != nil {
		return nil, fmt.Errorf("codec: compress failed: %w", err)
	}
	return append([]byte{flagZstd}, packet...), nil
}

func (c *codec) unpack(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("codec: empty frame")
	}
	switch frame[0] {
	case flagRaw:
		return frame[1:], nil
	case flagZstd:
		plain, err := c.compressor.Decompress(nil, frame[1:])
		if err != nil {
			return nil, fmt.Errorf("codec: decompress failed: %w", err)
		}
		return plain, nil
	default:
		return nil, fmt.Errorf("codec: unknown frame flag %d", frame[0])
	}
}
