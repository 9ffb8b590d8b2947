package compress

import (
	"fmt"

	"github.com/golang/snappy"
)

// SnappyCompressor encodes payloads with the snappy block format. This is the
// default codec for checkpoint spill files.
type SnappyCompressor struct{}

var _ Compressor = SnappyCompressor{}

func (SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return decoded, nil
}

func (SnappyCompressor) Type() Type { return Snappy }
