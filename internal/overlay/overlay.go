// Package overlay draws detection boxes and labels onto a transparent layer
// aligned with the frame.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/bike-counter/pkg/types"
)

const (
	lineWidth    = 2
	labelPadding = 2
)

var (
	classColors = map[string]color.RGBA{
		"bicycle":    {R: 0, G: 220, B: 0, A: 255},
		"motorcycle": {R: 255, G: 140, B: 0, A: 255},
	}
	defaultColor = color.RGBA{R: 0, G: 200, B: 255, A: 255}
	textColor    = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// ColorFor returns the box colour used for class.
func ColorFor(class string) color.RGBA {
	if c, ok := classColors[class]; ok {
		return c
	}
	return defaultColor
}

// Label formats a detection as "<class> (<percent>%)".
func Label(d types.Detection) string {
	return fmt.Sprintf("%s (%d%%)", d.Class, int(math.Round(d.Score*100)))
}

// Render returns a transparent layer of the given bounds with every
// detection drawn on it. The layer is built from scratch on each call.
func Render(bounds image.Rectangle, dets []types.Detection) *image.RGBA {
	layer := image.NewRGBA(bounds)
	face := basicfont.Face7x13

	for _, d := range dets {
		box := d.BBox.Rect()
		c := ColorFor(d.Class)
		drawRect(layer, box, c, lineWidth)

		label := Label(d)
		rect, _ := LabelRect(bounds, box, font.MeasureString(face, label).Ceil())
		draw.Draw(layer, rect, image.NewUniform(c), image.Point{}, draw.Src)

		drawer := &font.Drawer{
			Dst:  layer,
			Src:  image.NewUniform(textColor),
			Face: face,
			Dot: fixed.Point26_6{
				X: fixed.I(rect.Min.X + labelPadding),
				Y: fixed.I(rect.Min.Y + labelPadding + face.Ascent),
			},
		}
		drawer.DrawString(label)
	}
	return layer
}

// LabelRect places a label of textWidth pixels for box: above the box when
// it fits inside bounds, otherwise just inside the top edge. The second
// result reports whether the label sits above the box.
func LabelRect(bounds, box image.Rectangle, textWidth int) (image.Rectangle, bool) {
	face := basicfont.Face7x13
	h := face.Height + 2*labelPadding
	w := textWidth + 2*labelPadding

	x := box.Min.X
	if x+w > bounds.Max.X {
		x = bounds.Max.X - w
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}

	if box.Min.Y-h >= bounds.Min.Y {
		return image.Rect(x, box.Min.Y-h, x+w, box.Min.Y), true
	}
	y := box.Min.Y
	if y < bounds.Min.Y {
		y = bounds.Min.Y
	}
	return image.Rect(x, y, x+w, y+h), false
}

// Compose draws layer over frame and returns the result as a new image.
func Compose(frame image.Image, layer *image.RGBA) *image.RGBA {
	b := frame.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, frame, b.Min, draw.Src)
	if layer != nil {
		draw.Draw(out, layer.Bounds(), layer, layer.Bounds().Min, draw.Over)
	}
	return out
}

// drawRect outlines r with lines of the given width. Parts outside img are
// clipped.
func drawRect(img draw.Image, r image.Rectangle, c color.Color, width int) {
	if r.Empty() {
		return
	}
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Bounds()), src, image.Point{}, draw.Src)
	}
}
