package engine

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// BlobMagic marks a zstd-compressed code blob.
var BlobMagic = []byte{0x52, 0xbc, 0x53, 0x76, 0x46, 0xdb, 0x8e, 0x05}

// DefaultMaxCodeSize bounds code when no limit is configured.
const DefaultMaxCodeSize = 16 << 20

// ErrCodeTooLarge is returned when code, raw or decompressed, exceeds
// the configured size limit.
var ErrCodeTooLarge = errors.New("code exceeds size limit")

// MaybeDecompress returns code unchanged unless it starts with BlobMagic,
// in which case the remainder is decompressed. maxSize bounds the result.
func MaybeDecompress(code []byte, maxSize uint64) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxCodeSize
	}
	if !bytes.HasPrefix(code, BlobMagic) {
		if uint64(len(code)) > maxSize {
			return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrCodeTooLarge, len(code), maxSize)
		}
		return code, nil
	}

	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxSize),
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(code[len(BlobMagic):], nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrCodeTooLarge, err)
		}
		return nil, fmt.Errorf("decompressing code blob: %w", err)
	}
	if uint64(len(out)) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrCodeTooLarge, len(out), maxSize)
	}
	return out, nil
}

// CompressBlob produces a blob MaybeDecompress accepts.
func CompressBlob(code []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	defer enc.Close()

	out := append([]byte(nil), BlobMagic...)
	return enc.EncodeAll(code, out), nil
}
