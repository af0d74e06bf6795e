package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single record. Senders refuse media above
// MaxMediaSize before encoding; 4 MiB leaves headroom for base64 growth.
const maxFrameSize = 4 << 20

// WriteFrame writes one length-prefixed payload record to w.
func WriteFrame(w io.Writer, p Payload) error {
	data, err := Marshal(p)
	if err != nil {
		return err
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed payload record from r.
func ReadFrame(r io.Reader) (Payload, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Payload{}, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameSize {
		return Payload{}, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Payload{}, err
	}
	return Unmarshal(data)
}
