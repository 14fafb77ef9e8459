package framer

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewLineFramer(0)
	require.NoError(t, f.WriteFrame(&buf, []byte(`{"msgid":1}`)))
	require.NoError(t, f.WriteFrame(&buf, []byte(`{"msgid":2}`)))

	r := bufio.NewReader(&buf)
	first, err := f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"msgid":1}`, string(first))
	second, err := f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"msgid":2}`, string(second))
	_, err = f.ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineFramerSkipsBlankLinesAndCRLF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\r\n\n{\"a\":1}\r\n{\"b\":2}"))
	f := NewLineFramer(0)

	first, err := f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(first))

	// 最后一行没有换行符。
	second, err := f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(second))
}

func TestLineFramerRejectsNewlineAndOversize(t *testing.T) {
	f := NewLineFramer(8)
	assert.Error(t, f.WriteFrame(io.Discard, []byte("a\nb")))
	assert.Error(t, f.WriteFrame(io.Discard, []byte("0123456789")))

	r := bufio.NewReaderSize(strings.NewReader(strings.Repeat("x", 64)+"\n"), 16)
	_, err := f.ReadFrame(r)
	assert.Error(t, err)
}

func TestLengthPrefixedFramer(t *testing.T) {
	var buf bytes.Buffer
	f := NewLengthPrefixedFramer(0)
	payload := []byte{0x00, '\n', 0xff}
	require.NoError(t, f.WriteFrame(&buf, payload))
	require.NoError(t, f.WriteFrame(&buf, nil))

	r := bufio.NewReader(&buf)
	got, err := f.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	empty, err := f.ReadFrame(r)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.True(t, f.BinarySafe())
}

func TestLengthPrefixedFramerMaxSize(t *testing.T) {
	f := NewLengthPrefixedFramer(4)
	assert.Error(t, f.WriteFrame(io.Discard, []byte("12345")))

	var buf bytes.Buffer
	require.NoError(t, NewLengthPrefixedFramer(0).WriteFrame(&buf, []byte("12345")))
	_, err := f.ReadFrame(bufio.NewReader(&buf))
	assert.Error(t, err)
}
