package compress

import (
	"encoding/binary"
	"fmt"

	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor encodes payloads with the LZ4 block format. The block format
// does not record the original size, so the encoded payload is prefixed with
// the uncompressed length.
type LZ4Compressor struct{}

var _ Compressor = LZ4Compressor{}

func (LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
	hdr := binary.PutUvarint(dst, uint64(len(data)))

	n, err := lz4.CompressBlock(data, dst[hdr:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 && len(data) > 0 {
		// Incompressible input; CompressBlock signals this with n == 0.
		// Store it raw with a zero-length marker.
		out := make([]byte, hdr+len(data))
		copy(out, dst[:hdr])
		copy(out[hdr:], data)
		return out, nil
	}
	return dst[:hdr+n], nil
}

func (LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	size, hdr := binary.Uvarint(data)
	if hdr <= 0 {
		return nil, fmt.Errorf("lz4 decompress error: missing length prefix")
	}
	body := data[hdr:]
	if uint64(len(body)) == size {
		// Raw fallback written by Compress for incompressible input.
		out := make([]byte, size)
		copy(out, body)
		return out, nil
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(body, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	return dst[:n], nil
}

func (LZ4Compressor) Type() Type { return LZ4 }
