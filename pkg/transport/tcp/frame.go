package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameTypeMessage is the only frame type on the wire: a gob-encoded
// protocol.Envelope.
const FrameTypeMessage = 0x01

// MaxFrameSize bounds a single message payload. Chunk data is the largest
// thing sent, so chunk size must stay below this.
const MaxFrameSize = 64 * 1024 * 1024

// Header is the fixed-size frame header:
// [Type (1 byte)] + [Length (4 bytes, big endian)]
const HeaderSize = 5

// writeFrameHeader writes the frame header to the writer
func writeFrameHeader(w io.Writer, msgType uint8, length uint32) error {
	buf := make([]byte, HeaderSize)
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:], length)

	_, err := w.Write(buf)
	return err
}

// readFrameHeader reads the frame header from the reader
// returns msgType, length, and error
func readFrameHeader(r io.Reader) (uint8, uint32, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, err
	}

	msgType := buf[0]
	length := binary.BigEndian.Uint32(buf[1:])
	if length > MaxFrameSize {
		return 0, 0, fmt.Errorf("frame length %d exceeds limit", length)
	}

	return msgType, length, nil
}
