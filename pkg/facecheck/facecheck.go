// Package facecheck counts faces in reference images with a pigo cascade.
package facecheck

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
	pigo "github.com/esimov/pigo/core"
)

// Params tunes the cascade scan.
type Params struct {
	MinSizePct   int     // smallest face as a percentage of the short side
	ShiftFactor  float64 // window stride
	ScaleFactor  float64
	IoUThreshold float64 // clustering overlap
	MinQuality   float32 // detections below this score are ignored
}

// DefaultParams returns values that work for frontal webcam portraits.
func DefaultParams() Params {
	return Params{
		MinSizePct:   10,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		IoUThreshold: 0.2,
		MinQuality:   10.0,
	}
}

// Detector wraps an unpacked pigo classifier.
type Detector struct {
	classifier *pigo.Pigo
	params     Params
}

// Load reads and unpacks the cascade file at path.
func Load(path string) (*Detector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read face cascade: %w", err)
	}
	if err := checkCascade(data); err != nil {
		return nil, fmt.Errorf("failed to unpack face cascade: %w", err)
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack face cascade: %w", err)
	}
	return &Detector{classifier: classifier, params: DefaultParams()}, nil
}

// maxTreeDepth bounds the depth read from a cascade header. Shipped cascades
// use 6.
const maxTreeDepth = 16

// checkCascade verifies that data holds as many trees as its header claims.
// pigo indexes the packet without bounds checks.
func checkCascade(data []byte) error {
	if len(data) < 16 {
		return errors.New("cascade header truncated")
	}
	depth := binary.LittleEndian.Uint32(data[8:])
	trees := binary.LittleEndian.Uint32(data[12:])
	if depth == 0 || depth > maxTreeDepth {
		return fmt.Errorf("invalid tree depth %d", depth)
	}
	// Each tree holds 2^depth-1 node codes, 2^depth leaf predictions and a
	// threshold, four bytes apiece.
	need := 16 + uint64(trees)*8<<depth
	if uint64(len(data)) < need {
		return fmt.Errorf("cascade truncated: %d trees need %d bytes, have %d", trees, need, len(data))
	}
	return nil
}

// SetParams replaces the scan parameters.
func (d *Detector) SetParams(p Params) {
	d.params = p
}

// Faces returns the number of faces found in img.
func (d *Detector) Faces(img image.Image) int {
	// pigo indexes pixels from the origin.
	src := imaging.Clone(img)
	cols, rows := src.Bounds().Dx(), src.Bounds().Dy()
	if cols == 0 || rows == 0 {
		return 0
	}

	minDim := min(cols, rows)
	minSize := max(minDim*d.params.MinSizePct/100, 20)

	params := pigo.CascadeParams{
		MinSize:     minSize,
		MaxSize:     minDim,
		ShiftFactor: d.params.ShiftFactor,
		ScaleFactor: d.params.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(src),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, d.params.IoUThreshold)

	n := 0
	for _, det := range dets {
		if det.Q >= d.params.MinQuality {
			n++
		}
	}
	return n
}
