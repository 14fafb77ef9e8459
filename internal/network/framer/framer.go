package framer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Framer 抽象了帧边界的打包/解包能力，帧内容对 Framer 透明。
type Framer interface {
	// WriteFrame 将 payload 打包为一帧并写入到 w 中。
	WriteFrame(w io.Writer, payload []byte) error

	// ReadFrame 从 r 中读取一帧数据。
	ReadFrame(r *bufio.Reader) ([]byte, error)

	// BinarySafe 表示帧内容是否允许任意字节（压缩后的数据需要）。
	BinarySafe() bool
}

const defaultMaxFrameSize uint32 = 16 * 1024 * 1024 // 16MB

// LineFramer 以换行符作为帧边界，每行一个 JSON 对象。
// 空行被忽略，行尾的 \r 会被去掉。
type LineFramer struct {
	// MaxFrameSize 为单行的最大字节数，为 0 时使用默认值。
	MaxFrameSize uint32
}

var _ Framer = (*LineFramer)(nil)

func NewLineFramer(maxFrameSize uint32) *LineFramer {
	return &LineFramer{MaxFrameSize: maxFrameSize}
}

func (f *LineFramer) WriteFrame(w io.Writer, payload []byte) error {
	if bytes.IndexByte(payload, '\n') >= 0 {
		return fmt.Errorf("framer: payload contains newline")
	}
	if uint32(len(payload)) > effectiveMaxSize(f.MaxFrameSize) {
		return fmt.Errorf("framer: frame size %d exceeds max %d", len(payload), effectiveMaxSize(f.MaxFrameSize))
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("framer: write line failed: %w", err)
	}
	return nil
}

func (f *LineFramer) ReadFrame(r *bufio.Reader) ([]byte, error) {
	limit := int(effectiveMaxSize(f.MaxFrameSize))
	for {
		var line []byte
		for {
			chunk, err := r.ReadSlice('\n')
			line = append(line, chunk...)
			if len(line) > limit+2 {
				return nil, fmt.Errorf("framer: frame size exceeds max %d", limit)
			}
			if err == nil {
				break
			}
			if err == bufio.ErrBufferFull {
				continue
			}
			// 流结束时最后一行没有换行符：有内容的先返回，下次再报 EOF。
			if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
				return bytes.TrimSpace(line), nil
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (f *LineFramer) BinarySafe() bool {
	return false
}

// LengthPrefixedFramer 使用长度前缀（4 字节大端）作为帧边界。
type LengthPrefixedFramer struct {
	// MaxFrameSize 为允许的最大帧大小，单位字节。为 0 时使用默认值。
	MaxFrameSize uint32
}

var _ Framer = (*LengthPrefixedFramer)(nil)

// NewLengthPrefixedFramer 创建一个长度前缀帧编码器，maxFrameSize 为 0 时使用默认值。
func NewLengthPrefixedFramer(maxFrameSize uint32) *LengthPrefixedFramer {
	if maxFrameSize == 0 {
		maxFrameSize = defaultMaxFrameSize
	}
	return &LengthPrefixedFramer{
		MaxFrameSize: maxFrameSize,
	}
}

// WriteFrame 将 payload 编码为长度前缀帧并一次写出。
func (f *LengthPrefixedFramer) WriteFrame(w io.Writer, payload []byte) error {
	length := uint32(len(payload))
	if length > effectiveMaxSize(f.MaxFrameSize) {
		return fmt.Errorf("framer: frame size %d exceeds max %d", length, effectiveMaxSize(f.MaxFrameSize))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], length)
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("framer: write frame failed: %w", err)
	}
	return nil
}

// ReadFrame 从流中读取一帧数据。
func (f *LengthPrefixedFramer) ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > effectiveMaxSize(f.MaxFrameSize) {
		return nil, fmt.Errorf("framer: frame size %d exceeds max %d", length, effectiveMaxSize(f.MaxFrameSize))
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("framer: read body failed: %w", err)
	}
	return body, nil
}

func (f *LengthPrefixedFramer) BinarySafe() bool {
	return true
}

func effectiveMaxSize(n uint32) uint32 {
	if n == 0 {
		return defaultMaxFrameSize
	}
	return n
}
