// Package compress provides the codecs used for checkpoint spill files and
// solution artifacts. Snapshots of large state vectors compress well and are
// written once, read once, so a fast block codec is preferred over a strong
// one.
package compress

import (
	"fmt"
)

// Type identifies a compression codec in file headers.
type Type uint8

const (
	None Type = iota
	Snappy
	LZ4
)

// Compressor encodes and decodes snapshot payloads.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() Type
}

// ForName returns the compressor for a configuration name.
func ForName(name string) (Compressor, error) {
	switch name {
	case "", "none":
		return NoCompression{}, nil
	case "snappy":
		return SnappyCompressor{}, nil
	case "lz4":
		return LZ4Compressor{}, nil
	default:
		return nil, fmt.Errorf("unknown compression codec %q", name)
	}
}

// ForType returns the compressor for a codec identifier read from a file
// header.
func ForType(t Type) (Compressor, error) {
	switch t {
	case None:
		return NoCompression{}, nil
	case Snappy:
		return SnappyCompressor{}, nil
	case LZ4:
		return LZ4Compressor{}, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
}

// NoCompression passes payloads through unchanged.
type NoCompression struct{}

func (NoCompression) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoCompression) Decompress(data []byte) ([]byte, error) { return data, nil }
func (NoCompression) Type() Type                             { return None }
