package p2p

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// MaxFrameSize bounds both the compressed frame and the decoded message
const MaxFrameSize = 8 * 1024 * 1024

// WriteMessage writes msg as a big-endian length prefix followed by the
// snappy compressed JSON encoding.
func WriteMessage(w io.Writer, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	frame := snappy.Encode(nil, data)
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(frame), MaxFrameSize)
	}

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)

	_, err = w.Write(buf)
	return err
}

// ReadMessage reads one frame written by WriteMessage
func ReadMessage(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", size, MaxFrameSize)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}

	// reject compression bombs before allocating
	if n, err := snappy.DecodedLen(frame); err != nil {
		return nil, fmt.Errorf("corrupt frame: %w", err)
	} else if n > MaxFrameSize {
		return nil, fmt.Errorf("decoded frame too large: %d > %d", n, MaxFrameSize)
	}

	data, err := snappy.Decode(nil, frame)
	if err != nil {
		return nil, fmt.Errorf("corrupt frame: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}
