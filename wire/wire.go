// Package wire implements the envelope format spoken between camsend and
// camrecv: an 8 byte little-endian payload length followed by a msgpack
// encoded (source id, image) pair.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// PrefixSize is the width of the length prefix preceding every payload.
	PrefixSize = 8

	// MaxPayloadSize bounds the declared payload length. A 4K BGR frame is
	// ~25 MiB uncompressed.
	MaxPayloadSize = 64 << 20
	// MaxPixelSize bounds the decoded pixel data of one image.
	MaxPixelSize = 4 * MaxPayloadSize
)

var (
	ErrPayloadTooLarge = errors.New("wire: declared payload length exceeds limit")
	ErrShortPayload    = errors.New("wire: pixel data length does not match image metadata")
	ErrBadImage        = errors.New("wire: invalid image metadata")
)

// Encoding describes how Image.Data is carried inside the payload.
type Encoding uint8

const (
	EncodingRaw Encoding = iota
	EncodingZstd
)

func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "raw"
	case EncodingZstd:
		return "zstd"
	}
	return fmt.Sprintf("encoding(%d)", uint8(e))
}

// Image is a 2-D pixel buffer. Type holds the OpenCV mat type (depth and
// channel count), which the transport carries but never interprets.
type Image struct {
	Rows int
	Cols int
	Type int
	Data []byte
}

// Element sizes of the OpenCV depths CV_8U through CV_64F.
var depthSize = [...]int{1, 1, 2, 2, 4, 4, 8}

// PixelLen returns the byte length of continuous pixel data for the image's
// shape and type. It fails for types OpenCV does not know, for channel
// counts outside 1-4, and for non-positive or oversized dimensions.
func (img Image) PixelLen() (int, error) {
	if img.Type < 0 || img.Type >= 4<<3 {
		return 0, fmt.Errorf("%w: mat type %d", ErrBadImage, img.Type)
	}
	depth, channels := img.Type&7, img.Type>>3+1
	if depth >= len(depthSize) {
		return 0, fmt.Errorf("%w: mat depth %d", ErrBadImage, depth)
	}
	if img.Rows <= 0 || img.Cols <= 0 || img.Rows > math.MaxInt32 || img.Cols > math.MaxInt32 {
		return 0, fmt.Errorf("%w: dimensions %dx%d", ErrBadImage, img.Cols, img.Rows)
	}
	hi, n := bits.Mul64(uint64(img.Rows), uint64(img.Cols))
	if hi != 0 {
		return 0, fmt.Errorf("%w: dimensions %dx%d", ErrBadImage, img.Cols, img.Rows)
	}
	hi, n = bits.Mul64(n, uint64(channels*depthSize[depth]))
	if hi != 0 || n > MaxPixelSize {
		return 0, fmt.Errorf("%w: %dx%d image too large", ErrBadImage, img.Cols, img.Rows)
	}
	return int(n), nil
}

type payload struct {
	_msgpack struct{} `msgpack:",as_array"`

	SourceID string
	Rows     int
	Cols     int
	Type     int
	Encoding Encoding
	Data     []byte
}

// Encoder produces envelopes. The zero value writes raw pixel data.
type Encoder struct {
	// Compress enables zstd compression of the pixel data.
	Compress bool
}

// Encode returns the complete envelope for the given source and image. The
// image metadata is carried as given; DecodePayload validates it.
func (e *Encoder) Encode(sourceID string, img Image) ([]byte, error) {
	p := payload{
		SourceID: sourceID,
		Rows:     img.Rows,
		Cols:     img.Cols,
		Type:     img.Type,
		Encoding: EncodingRaw,
		Data:     img.Data,
	}
	if e != nil && e.Compress {
		data, err := compress(img.Data)
		if err != nil {
			return nil, err
		}
		p.Encoding = EncodingZstd
		p.Data = data
	}

	body, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}
	if len(body) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	out := make([]byte, PrefixSize+len(body))
	binary.LittleEndian.PutUint64(out[:PrefixSize], uint64(len(body)))
	copy(out[PrefixSize:], body)
	return out, nil
}

// WriteEnvelope encodes and writes a single envelope to w.
func (e *Encoder) WriteEnvelope(w io.Writer, sourceID string, img Image) error {
	b, err := e.Encode(sourceID, img)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Encode encodes with the default (uncompressed) encoder.
func Encode(sourceID string, img Image) ([]byte, error) {
	var e Encoder
	return e.Encode(sourceID, img)
}

// DecodeLength returns the payload length carried by a prefix.
func DecodeLength(prefix [PrefixSize]byte) uint64 {
	return binary.LittleEndian.Uint64(prefix[:])
}

// DecodePayload is the inverse of Encode for the bytes following the prefix.
// The caller must pass exactly the number of bytes the prefix declared.
func DecodePayload(b []byte) (string, Image, error) {
	var p payload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return "", Image{}, fmt.Errorf("wire: unmarshal payload: %w", err)
	}

	img := Image{
		Rows: p.Rows,
		Cols: p.Cols,
		Type: p.Type,
		Data: p.Data,
	}
	switch p.Encoding {
	case EncodingRaw:
	case EncodingZstd:
		data, err := decompress(p.Data)
		if err != nil {
			return "", Image{}, err
		}
		img.Data = data
	default:
		return "", Image{}, fmt.Errorf("wire: unknown pixel encoding %v", p.Encoding)
	}

	n, err := img.PixelLen()
	if err != nil {
		return "", Image{}, err
	}
	if len(img.Data) != n {
		return "", Image{}, fmt.Errorf("%w: have %d bytes, want %d", ErrShortPayload, len(img.Data), n)
	}
	return p.SourceID, img, nil
}
