// Package codec serializes the params batch of a payload and compresses file
// parts.
//
// The params batch must stay text-serializable, so JSON is the only params
// codec. File bodies are raw bytes and may optionally be compressed; the
// compressor name travels in the part's encoding header so the receiver can
// reverse it.
package codec

import (
	"fmt"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}

// Compressor transforms file part bodies. Name is written to the wire.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
	Name() string
}

// GetCompressor returns the compressor registered under name.
// The empty name means no compression and yields (nil, nil).
func GetCompressor(name string) (Compressor, error) {
	switch name {
	case "":
		return nil, nil
	case ZstdName:
		return sharedZstd()
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", name)
	}
}
