package receipt

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os/exec"
	"strconv"
)

// CwebpCompressor re-encodes captures by shelling out to the cwebp
// binary, reading the capture on stdin and emitting WebP on stdout.
type CwebpCompressor struct {
	// Binary overrides the executable name, defaulting to "cwebp".
	Binary string
}

var _ Compressor = &CwebpCompressor{}

func (c *CwebpCompressor) Compress(ctx context.Context, blob []byte, quality, maxDim int) ([]byte, error) {
	var args = []string{"-quiet", "-q", strconv.Itoa(quality)}
	// cwebp resizes only to explicit dimensions, so the long-edge cap is
	// resolved here from the decoded image header.
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(blob)); err == nil {
		if w, h, ok := fitWithin(cfg.Width, cfg.Height, maxDim); ok {
			args = append(args, "-resize", strconv.Itoa(w), strconv.Itoa(h))
		}
	}
	args = append(args, "-o", "-", "--", "-")

	var binary = c.Binary
	if binary == "" {
		binary = "cwebp"
	}

	var out, stderr bytes.Buffer
	var cmd = exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = bytes.NewReader(blob)
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("cwebp: %w (%s)", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out.Bytes(), nil
}

// fitWithin scales (w, h) so the long edge is at most |maxDim|,
// preserving aspect. The third return is false when no scaling is needed.
func fitWithin(w, h, maxDim int) (int, int, bool) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h, false
	}
	if w >= h {
		return maxDim, h * maxDim / w, true
	}
	return w * maxDim / h, maxDim, true
}
