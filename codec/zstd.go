package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdName is the encoding header value for zstd-compressed file parts.
const ZstdName = "zstd"

// DefaultMaxDecodedSize caps what one part may inflate to. It must be at
// least the chunk size of every sender.
const DefaultMaxDecodedSize = 64 << 20

// ZstdCompressor compresses whole buffers with zstd.
// A nil writer/reader in zstd means []byte-only use via EncodeAll/DecodeAll,
// both of which are safe for concurrent use.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor returns a compressor whose Decompress refuses any part
// that would decode to more than maxDecoded bytes.
func NewZstdCompressor(maxDecoded uint64) (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecoded))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &ZstdCompressor{encoder: enc, decoder: dec}, nil
}

func (c *ZstdCompressor) Compress(src []byte) ([]byte, error) {
	return c.encoder.EncodeAll(src, nil), nil
}

func (c *ZstdCompressor) Decompress(src []byte) ([]byte, error) {
	return c.decoder.DecodeAll(src, nil)
}

func (c *ZstdCompressor) Name() string {
	return ZstdName
}

// Close releases the encoder and decoder goroutines.
func (c *ZstdCompressor) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

var (
	zstdOnce   sync.Once
	zstdShared *ZstdCompressor
	zstdErr    error
)

// sharedZstd lazily builds one process-wide compressor; decoders are costly.
func sharedZstd() (Compressor, error) {
	zstdOnce.Do(func() {
		zstdShared, zstdErr = NewZstdCompressor(DefaultMaxDecodedSize)
	})
	if zstdErr != nil {
		return nil, zstdErr
	}
	return zstdShared, nil
}
