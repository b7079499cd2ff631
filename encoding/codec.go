// Package encoding provides centralized serialization for relay payloads.
// Every broker payload goes through this package so sinks and tests agree on
// the byte format.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Format names a payload serialization
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// Compression names a payload compression
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// EncodeAll and DecodeAll are safe for concurrent use on shared instances
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Codec serializes and optionally compresses payloads
type Codec struct {
	Format      Format
	Compression Compression
}

// NewCodec validates and builds a codec. Empty values default to json / none.
func NewCodec(format, compression string) (Codec, error) {
	c := Codec{Format: Format(format), Compression: Compression(compression)}
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}

	switch c.Format {
	case FormatJSON, FormatMsgpack:
	default:
		return Codec{}, fmt.Errorf("unknown format %q", format)
	}
	switch c.Compression {
	case CompressionNone, CompressionZstd:
	default:
		return Codec{}, fmt.Errorf("unknown compression %q", compression)
	}
	return c, nil
}

// Marshal encodes v
func (c Codec) Marshal(v interface{}) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch c.Format {
	case FormatMsgpack:
		data, err = MarshalMsgpack(v)
	default:
		data, err = json.Marshal(v)
	}
	if err != nil {
		return nil, err
	}

	if c.Compression == CompressionZstd {
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data))), nil
	}
	return data, nil
}

// Unmarshal decodes data produced by Marshal
func (c Codec) Unmarshal(data []byte, v interface{}) error {
	if c.Compression == CompressionZstd {
		raw, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("zstd decode: %w", err)
		}
		data = raw
	}

	if c.Format == FormatMsgpack {
		return UnmarshalMsgpack(data, v)
	}
	return json.Unmarshal(data, v)
}

// ContentType returns the MIME type advertised in broker headers
func (c Codec) ContentType() string {
	if c.Format == FormatMsgpack {
		return "application/msgpack"
	}
	return "application/json"
}

// MarshalMsgpack encodes a value to msgpack format. Struct fields use their
// msgpack tags.
func MarshalMsgpack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalMsgpack decodes msgpack data using loose interface decoding, so
// strings come back as Go strings when decoding into interface{}.
func UnmarshalMsgpack(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
