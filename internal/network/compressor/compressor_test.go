package compressor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZstdCompressor(t *testing.T) {
	c, err := NewZstdCompressor(0)
	require.NoError(t, err)
	defer c.Close()

	src := bytes.Repeat([]byte(`{"msgid":5,"msg":"hello"}`), 64)
	packet, err := c.Compress(nil, src)
	require.NoError(t, err)
	assert.Less(t, len(packet), len(src))

	plain, err := c.Decompress(nil, packet)
	require.NoError(t, err)
	assert.Equal(t, src, plain)

	_, err = c.Decompress(nil, []byte("not zstd"))
	assert.Error(t, err)
}

func TestZstdCompressorDecodedLimit(t *testing.T) {
	big, err := NewZstdCompressor(0)
	require.NoError(t, err)
	defer big.Close()
	small, err := NewZstdCompressor(1024)
	require.NoError(t, err)
	defer small.Close()

	packet, err := big.Compress(nil, bytes.Repeat([]byte("a"), 64*1024))
	require.NoError(t, err)
	_, err = small.Decompress(nil, packet)
	assert.Error(t, err)
}

func TestZstdCompressorClosed(t *testing.T) {
	c, err := NewZstdCompressor(0)
	require.NoError(t, err)
	c.Close()
	c.Close()

	_, err = c.Compress(nil, []byte("x"))
	assert.Error(t, err)
	_, err = c.Decompress(nil, []byte("x"))
	assert.Error(t, err)
}

func TestNopCompressor(t *testing.T) {
	var c Compressor = NopCompressor{}
	out, err := c.Compress(nil, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
}
