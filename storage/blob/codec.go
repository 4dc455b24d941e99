// Package blob compresses binary payloads, such as recorded audio, before they are stored.
package blob

import (
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// MaxDecodedSize bounds the memory a single decoded payload may use.
const MaxDecodedSize = 256 << 20

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	if encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic(errors.Wrap(err, "creating zstd encoder"))
	}
	if decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize)); err != nil {
		panic(errors.Wrap(err, "creating zstd decoder"))
	}
}

// Compress encodes data as a single zstd frame. Empty input stays empty.
func Compress(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decoding blob")
	}
	return out, nil
}
