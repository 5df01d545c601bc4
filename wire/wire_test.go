package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 16 == CV_8UC3
const matTypeBGR = 16

func testImage(rows, cols int) Image {
	data := make([]byte, rows*cols*3)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return Image{Rows: rows, Cols: cols, Type: matTypeBGR, Data: data}
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		source   string
		img      Image
		compress bool
	}{
		{"raw", "CV001", testImage(240, 320), false},
		{"zstd", "CV001", testImage(240, 320), true},
		{"unicode source", "камера-2", testImage(3, 5), false},
		{"empty source", "", testImage(1, 1), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := &Encoder{Compress: c.compress}
			b, err := e.Encode(c.source, c.img)
			require.NoError(t, err)

			var prefix [PrefixSize]byte
			copy(prefix[:], b)
			n := DecodeLength(prefix)
			require.EqualValues(t, len(b)-PrefixSize, n)

			src, img, err := DecodePayload(b[PrefixSize:])
			require.NoError(t, err)
			assert.Equal(t, c.source, src)
			assert.Equal(t, c.img.Rows, img.Rows)
			assert.Equal(t, c.img.Cols, img.Cols)
			assert.Equal(t, c.img.Type, img.Type)
			assert.True(t, bytes.Equal(c.img.Data, img.Data), "pixel data differs")
		})
	}
}

func TestPrefixIsLittleEndian(t *testing.T) {
	b, err := Encode("CV001", testImage(2, 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(len(b)-PrefixSize), binary.LittleEndian.Uint64(b[:PrefixSize]))
}

func TestCompressionShrinksUniformImage(t *testing.T) {
	img := Image{Rows: 240, Cols: 320, Type: matTypeBGR, Data: make([]byte, 240*320*3)}
	raw, err := Encode("CV001", img)
	require.NoError(t, err)
	packed, err := (&Encoder{Compress: true}).Encode("CV001", img)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(raw)/10)
}

func TestWriteEnvelope(t *testing.T) {
	var buf bytes.Buffer
	var e Encoder
	require.NoError(t, e.WriteEnvelope(&buf, "a", testImage(2, 2)))
	require.NoError(t, e.WriteEnvelope(&buf, "b", testImage(4, 4)))

	b := buf.Bytes()
	var sources []string
	for len(b) > 0 {
		var prefix [PrefixSize]byte
		copy(prefix[:], b)
		n := DecodeLength(prefix)
		src, _, err := DecodePayload(b[PrefixSize : PrefixSize+int(n)])
		require.NoError(t, err)
		sources = append(sources, src)
		b = b[PrefixSize+int(n):]
	}
	assert.Equal(t, []string{"a", "b"}, sources)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	_, _, err := DecodePayload([]byte{0xc1, 0x00, 0x13})
	assert.Error(t, err)
}

func TestDecodePayloadRejectsBadImages(t *testing.T) {
	cases := []struct {
		name string
		img  Image
		want error
	}{
		{"short pixel data", Image{Rows: 10, Cols: 10, Type: matTypeBGR, Data: []byte{1, 2, 3}}, ErrShortPayload},
		{"channels ignored", Image{Rows: 480, Cols: 640, Type: matTypeBGR, Data: make([]byte, 480*640)}, ErrShortPayload},
		{"extra pixel data", Image{Rows: 1, Cols: 1, Type: matTypeBGR, Data: make([]byte, 4)}, ErrShortPayload},
		{"zero rows", Image{Rows: 0, Cols: 5, Type: matTypeBGR, Data: []byte{0}}, ErrBadImage},
		{"negative cols", Image{Rows: 2, Cols: -2, Type: matTypeBGR}, ErrBadImage},
		{"unknown type", Image{Rows: 1, Cols: 1, Type: 4095, Data: []byte{0}}, ErrBadImage},
		{"float16 depth", Image{Rows: 1, Cols: 1, Type: 7, Data: []byte{0, 0}}, ErrBadImage},
		{"negative type", Image{Rows: 1, Cols: 1, Type: -1, Data: []byte{0}}, ErrBadImage},
		{"rows beyond int32", Image{Rows: 1 << 32, Cols: 1, Type: 0, Data: []byte{0}}, ErrBadImage},
		{"overflowing size", Image{Rows: 1 << 31 - 1, Cols: 1 << 31 - 1, Type: 30, Data: []byte{0}}, ErrBadImage},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode("CV001", c.img)
			require.NoError(t, err)
			_, _, err = DecodePayload(b[PrefixSize:])
			assert.ErrorIs(t, err, c.want)
		})
	}
}

func TestPixelLen(t *testing.T) {
	n, err := Image{Rows: 240, Cols: 320, Type: matTypeBGR}.PixelLen()
	require.NoError(t, err)
	assert.Equal(t, 240*320*3, n)

	// CV_32FC1
	n, err = Image{Rows: 2, Cols: 3, Type: 5}.PixelLen()
	require.NoError(t, err)
	assert.Equal(t, 24, n)

	// CV_16UC4
	n, err = Image{Rows: 2, Cols: 2, Type: 2 + 3<<3}.PixelLen()
	require.NoError(t, err)
	assert.Equal(t, 32, n)
}
