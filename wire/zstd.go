package wire

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Encoders and decoders are expensive to build; EncodeAll and DecodeAll are
// safe for concurrent use so a single instance of each is shared.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func initZstd() {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPixelSize))
	})
}

func compress(b []byte) ([]byte, error) {
	initZstd()
	if zstdErr != nil {
		return nil, fmt.Errorf("wire: zstd init: %w", zstdErr)
	}
	return zstdEnc.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
}

func decompress(b []byte) ([]byte, error) {
	initZstd()
	if zstdErr != nil {
		return nil, fmt.Errorf("wire: zstd init: %w", zstdErr)
	}
	out, err := zstdDec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: zstd decode: %w", err)
	}
	return out, nil
}
