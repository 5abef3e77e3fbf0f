package codec

import (
	"bytes"
	"testing"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := GetCodec(CodecTypeJSON)

	original := map[string]any{"name": "a.txt", "x": 1}

	data, err := jsonCodec.Encode(original)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decoded map[string]any
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}

	if decoded["name"] != "a.txt" {
		t.Errorf("name mismatch: got %v", decoded["name"])
	}
	// JSON numbers come back as float64
	if decoded["x"] != float64(1) {
		t.Errorf("x mismatch: got %v (%T)", decoded["x"], decoded["x"])
	}
}

func TestJSONCodecRejectsMalformed(t *testing.T) {
	var decoded map[string]any
	if err := (&JSONCodec{}).Decode([]byte("{not json"), &decoded); err == nil {
		t.Fatal("expect error for malformed body")
	}
}

func TestZstdRoundTrip(t *testing.T) {
	c, err := GetCompressor(ZstdName)
	if err != nil {
		t.Fatal(err)
	}

	src := bytes.Repeat([]byte("hello parts "), 1000)
	compressed, err := c.Compress(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) >= len(src) {
		t.Fatalf("expect compression, got %d >= %d", len(compressed), len(src))
	}

	out, err := c.Decompress(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, src) {
		t.Fatal("round trip mismatch")
	}
}

func TestZstdDecodedSizeCap(t *testing.T) {
	c, err := NewZstdCompressor(4 << 10)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	small := bytes.Repeat([]byte("a"), 1<<10)
	compressed, _ := c.Compress(small)
	if out, err := c.Decompress(compressed); err != nil || !bytes.Equal(out, small) {
		t.Fatalf("expect part under the cap to decode, got %v", err)
	}

	// 64KiB of zeros packs into a few bytes
	bomb, _ := c.Compress(make([]byte, 64<<10))
	if _, err := c.Decompress(bomb); err == nil {
		t.Fatal("expect part over the cap to be refused")
	}
}

func TestGetCompressor(t *testing.T) {
	c, err := GetCompressor("")
	if err != nil || c != nil {
		t.Fatalf("expect no compressor for empty name, got %v, %v", c, err)
	}

	if _, err := GetCompressor("lz77"); err == nil {
		t.Fatal("expect error for unknown encoding")
	}
}
