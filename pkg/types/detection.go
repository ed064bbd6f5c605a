package types

import (
	"image"
	"math"
	"time"
)

// BBox is an axis-aligned box in frame pixel coordinates.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Rect rounds the box to the pixel grid.
func (b BBox) Rect() image.Rectangle {
	x0 := int(math.Round(b.X))
	y0 := int(math.Round(b.Y))
	return image.Rect(x0, y0, x0+int(math.Round(b.W)), y0+int(math.Round(b.H)))
}

// Detection is one object reported by the model for one frame.
type Detection struct {
	Class string  `json:"class"`
	Score float64 `json:"score"` // 0..1
	BBox  BBox    `json:"bbox"`
}

// Frame is the current picture of a frame source.
type Frame struct {
	Image      image.Image // Decoded frame
	Number     uint64      // Sequential frame number within the source
	CapturedAt time.Time   // When the surface received the frame
}
