package receipt

import (
	"context"
	"crypto/md5"
	"fmt"
)

// CompressThreshold is the size at or below which a capture is stored
// as-is: re-encoding tiny blobs costs more than it saves.
const CompressThreshold = 100 * 1024

// Compression targets. The codec itself lives behind Compressor.
const (
	CompressQuality = 80
	CompressMaxDim  = 2048
)

// Compressor re-encodes a captured blob as WebP at the requested quality
// and maximum long-edge dimension.
type Compressor interface {
	Compress(ctx context.Context, blob []byte, quality, maxDim int) ([]byte, error)
}

// Compressed is the outcome of preparing one capture for upload.
type Compressed struct {
	Blob []byte
	// MD5 of Blob; the per-user dedup key.
	MD5          []byte
	OriginalSize int64
	// Skipped is true when the blob was small enough to keep as-is.
	Skipped bool
}

// Prepare applies the compression rule to a captured blob.
func Prepare(ctx context.Context, compressor Compressor, blob []byte) (Compressed, error) {
	var out = Compressed{OriginalSize: int64(len(blob))}

	if len(blob) <= CompressThreshold {
		out.Blob = blob
		out.Skipped = true
	} else {
		var compressed, err = compressor.Compress(ctx, blob, CompressQuality, CompressMaxDim)
		if err != nil {
			return Compressed{}, fmt.Errorf("compressing capture: %w", err)
		}
		out.Blob = compressed
	}

	var sum = md5.Sum(out.Blob)
	out.MD5 = sum[:]
	return out, nil
}
