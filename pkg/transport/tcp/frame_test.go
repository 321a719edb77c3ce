package tcp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrameHeader(&buf, FrameTypeMessage, 4711))
	require.Equal(t, HeaderSize, buf.Len())

	msgType, length, err := readFrameHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(FrameTypeMessage), msgType)
	assert.Equal(t, uint32(4711), length)
}

func TestFrameHeaderRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrameHeader(&buf, FrameTypeMessage, MaxFrameSize+1))

	_, _, err := readFrameHeader(&buf)
	require.Error(t, err)
}

func TestFrameHeaderShortRead(t *testing.T) {
	buf := bytes.NewBuffer([]byte{FrameTypeMessage, 0x00})
	_, _, err := readFrameHeader(buf)
	require.Error(t, err)
}
