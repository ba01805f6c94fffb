package control

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single control frame.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("control: frame too large")

// WriteFrame writes v as one frame: a 4-byte big-endian length followed by
// the msgpack document. Struct fields are named by their json tags.
func WriteFrame(w io.Writer, v interface{}) error {
	var body bytes.Buffer
	enc := msgpack.NewEncoder(&body)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("control: encode frame: %w", err)
	}
	if body.Len() > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, body.Len())
	}

	frame := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(frame[:4], uint32(body.Len()))
	copy(frame[4:], body.Bytes())

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("control: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame into v. A clean close between frames returns
// io.EOF.
func ReadFrame(r io.Reader, v interface{}) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("control: read frame length: %w", err)
	}

	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("control: read frame body: %w", err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(body))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("control: decode frame: %w", err)
	}
	return nil
}
