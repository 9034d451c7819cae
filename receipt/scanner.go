package receipt

import (
	"context"
	"fmt"
	"math"
)

// ScanState is the document-scanner state machine. Corner detection and
// perspective warping live in an external library; the scanner owns the
// states, the geometry checks, and the output contract.
type ScanState string

const (
	ScanIdle       ScanState = "idle"
	ScanScanning   ScanState = "scanning"
	ScanPreviewing ScanState = "previewing"
	ScanCropping   ScanState = "cropping"
	ScanConfirmed  ScanState = "confirmed"
	ScanError      ScanState = "error"
)

var legalScanTransitions = map[ScanState][]ScanState{
	ScanIdle:       {ScanScanning},
	ScanScanning:   {ScanPreviewing, ScanError},
	ScanPreviewing: {ScanCropping, ScanConfirmed},
	ScanCropping:   {ScanPreviewing, ScanError},
	ScanConfirmed:  {ScanIdle},
	ScanError:      {ScanIdle},
}

// ScanTransition validates a scanner state change.
func ScanTransition(from, to ScanState) error {
	for _, legal := range legalScanTransitions[from] {
		if legal == to {
			return nil
		}
	}
	return fmt.Errorf("illegal scan transition %s → %s", from, to)
}

// Point is a corner in image pixel coordinates.
type Point struct {
	X, Y float64
}

// Quad is a candidate document quadrilateral, corners in winding order.
type Quad [4]Point

// Validate applies the purity check: all corners finite and non-negative,
// pairwise distinct, and convex (cross products of consecutive edge
// vectors all share a sign).
func (q Quad) Validate() error {
	for i, p := range q {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return fmt.Errorf("corner %d is not finite", i)
		}
		if p.X < 0 || p.Y < 0 {
			return fmt.Errorf("corner %d is negative", i)
		}
	}
	for i := 0; i != 4; i++ {
		for j := i + 1; j != 4; j++ {
			if q[i] == q[j] {
				return fmt.Errorf("corners %d and %d coincide", i, j)
			}
		}
	}

	var sign float64
	for i := 0; i != 4; i++ {
		var a, b, c = q[i], q[(i+1)%4], q[(i+2)%4]
		var cross = (b.X-a.X)*(c.Y-b.Y) - (b.Y-a.Y)*(c.X-b.X)
		if cross == 0 {
			return fmt.Errorf("corners %d, %d, %d are collinear", i, (i+1)%4, (i+2)%4)
		}
		if sign == 0 {
			sign = cross
		} else if (sign > 0) != (cross > 0) {
			return fmt.Errorf("quad is not convex")
		}
	}
	return nil
}

// Scan output targets: a stable long edge and WebP quality.
const (
	ScanOutputLongEdge = 800
	ScanOutputQuality  = 85
)

// Warper produces a perspective-corrected crop of |blob| bounded by |quad|,
// re-encoded as WebP at the given long edge and quality.
type Warper interface {
	Warp(ctx context.Context, blob []byte, quad Quad, longEdge, quality int) ([]byte, error)
}

// ScanResult is the scanner's terminal output.
type ScanResult struct {
	Blob []byte
	// Cropped is false when the user skipped cropping: Blob is then the
	// original capture, unchanged.
	Cropped bool
	Quad    Quad
}

// CropAndConfirm warps |blob| by |quad| and returns the confirmed result.
func CropAndConfirm(ctx context.Context, warper Warper, blob []byte, quad Quad) (ScanResult, error) {
	if err := quad.Validate(); err != nil {
		return ScanResult{}, fmt.Errorf("rejecting crop quad: %w", err)
	}
	var warped, err = warper.Warp(ctx, blob, quad, ScanOutputLongEdge, ScanOutputQuality)
	if err != nil {
		return ScanResult{}, fmt.Errorf("warping capture: %w", err)
	}
	return ScanResult{Blob: warped, Cropped: true, Quad: quad}, nil
}

// SkipCrop confirms the original capture unchanged.
func SkipCrop(blob []byte) ScanResult {
	return ScanResult{Blob: blob, Cropped: false}
}
