package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// PrefixSize is the width of the length prefix: one machine word.
const PrefixSize = strconv.IntSize / 8

// DefaultMaxFrameSize bounds a single payload unless configured otherwise.
const DefaultMaxFrameSize = 64 << 20

var (
	// ErrFrameTooLarge is returned when a peer announces a payload above
	// the configured maximum.
	ErrFrameTooLarge = errors.New("framing: frame too large")

	// ErrShortFrame is returned when the channel ends before a complete
	// prefix or payload was read.
	ErrShortFrame = errors.New("framing: short frame")
)

// Limits constrains decoding memory use.
type Limits struct {
	MaxFrameSize uint64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxFrameSize: DefaultMaxFrameSize}
}

func (l Limits) max() uint64 {
	if l.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return l.MaxFrameSize
}

// Encode returns the framed form of payload: the little-endian word-sized
// length followed by the payload bytes.
func Encode(payload []byte) []byte {
	buf := make([]byte, PrefixSize+len(payload))
	putLen(buf, uint64(len(payload)))
	copy(buf[PrefixSize:], payload)
	return buf
}

// Send writes one frame. Prefix and payload go out in a single Write call so
// that a correct peer never observes them interleaved with another frame.
func Send(w io.Writer, payload []byte) error {
	if _, err := w.Write(Encode(payload)); err != nil {
		return fmt.Errorf("framing: write: %w", err)
	}
	return nil
}

// Receive reads exactly one frame. Any short read is an error; the caller
// must treat the channel as corrupt and close it.
func Receive(r io.Reader, limits Limits) ([]byte, error) {
	var prefix [PrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, shortErr("prefix", err)
	}

	n := getLen(prefix[:])
	if n > limits.max() {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, n, limits.max())
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, shortErr("payload", err)
	}
	return payload, nil
}

func shortErr(part string, err error) error {
	switch {
	case errors.Is(err, io.EOF):
		// Clean end of stream between frames.
		if part == "prefix" {
			return io.EOF
		}
		return fmt.Errorf("%w: %s", ErrShortFrame, part)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %s", ErrShortFrame, part)
	default:
		return fmt.Errorf("framing: read %s: %w", part, err)
	}
}

func putLen(b []byte, n uint64) {
	if PrefixSize == 8 {
		binary.LittleEndian.PutUint64(b, n)
	} else {
		binary.LittleEndian.PutUint32(b, uint32(n))
	}
}

func getLen(b []byte) uint64 {
	if PrefixSize == 8 {
		return binary.LittleEndian.Uint64(b)
	}
	return uint64(binary.LittleEndian.Uint32(b))
}
