// Package detector loads the external object detector and narrows its
// output to the classes the dashboard counts.
package detector

import (
	"context"
	"errors"
	"image"

	"github.com/dj-oyu/bike-counter/pkg/types"
)

// DefaultClasses are the labels the dashboard counts.
var DefaultClasses = []string{"bicycle", "motorcycle"}

var (
	// ErrModelNotReady is returned while the detector is loading or after it failed to load.
	ErrModelNotReady = errors.New("detector: model not ready")
	// ErrClosed is returned by a detector after Close.
	ErrClosed = errors.New("detector: closed")
)

// Detector runs one detection pass over a frame.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]types.Detection, error)
}

// Filter returns the detections whose class is one of classes. The input is
// not modified.
func Filter(dets []types.Detection, classes ...string) []types.Detection {
	if len(classes) == 0 {
		classes = DefaultClasses
	}
	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		for _, c := range classes {
			if d.Class == c {
				out = append(out, d)
				break
			}
		}
	}
	return out
}
