package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the absolute upper bound on a frame; individual channels
// enforce tighter limits.
const MaxFrameSize = 16 << 20 // 16 MB

// ErrFrameTooLarge is returned when a frame exceeds the caller's limit.
type ErrFrameTooLarge struct {
	Size int
	Max  int
}

func (e ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame size %d exceeds maximum %d", e.Size, e.Max)
}

// WriteFrame writes a uvarint length prefix followed by bz.
func WriteFrame(w io.Writer, bz []byte, maxSize int) error {
	if maxSize <= 0 || maxSize > MaxFrameSize {
		maxSize = MaxFrameSize
	}
	if len(bz) > maxSize {
		return ErrFrameTooLarge{Size: len(bz), Max: maxSize}
	}

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(bz)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(bz)
	return err
}

// ReadFrame reads one uvarint-length-prefixed frame from r. Oversized frames
// return ErrFrameTooLarge without consuming the body, so the caller can drop
// the peer rather than the connection state.
func ReadFrame(r io.ByteReader, maxSize int) ([]byte, error) {
	if maxSize <= 0 || maxSize > MaxFrameSize {
		maxSize = MaxFrameSize
	}

	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > uint64(maxSize) {
		return nil, ErrFrameTooLarge{Size: int(size), Max: maxSize}
	}

	br, ok := r.(io.Reader)
	if !ok {
		return nil, fmt.Errorf("reader %T does not implement io.Reader", r)
	}
	bz := make([]byte, size)
	if _, err := io.ReadFull(br, bz); err != nil {
		return nil, err
	}
	return bz, nil
}

// WriteMsg marshals msg and writes it as a single frame.
func WriteMsg(w io.Writer, msg Message, maxSize int) error {
	bz, err := Marshal(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, bz, maxSize)
}

// ReadMsg reads a single frame and unmarshals it.
func ReadMsg(r io.ByteReader, maxSize int) (Message, error) {
	bz, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return Unmarshal(bz)
}
