// Package overlay draws detection boxes onto snapshot images
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	// Some IP cameras serve PNG snapshots
	_ "image/png"

	"github.com/cyclopcam/snapbus/pkg/detect"
	"github.com/fogleman/gg"
)

const JPEGQuality = 85

type Style struct {
	LineWidth float64
	R, G, B   float64 // Box color, each 0..1
}

func DefaultStyle() Style {
	return Style{
		LineWidth: 2,
		R:         0.1,
		G:         1,
		B:         0.2,
	}
}

// Draw decodes img, draws a labelled box for every detection, and re-encodes it as JPEG.
// Boxes that extend past the image edges are clipped.
func Draw(img []byte, dets []detect.Detection, style Style) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("Failed to decode image for overlay: %w", err)
	}
	width := src.Bounds().Dx()
	height := src.Bounds().Dy()

	dc := gg.NewContextForImage(src)
	dc.SetLineWidth(style.LineWidth)
	for _, d := range dets {
		box := d.Box().Clip(width, height)
		if box.Area() == 0 {
			continue
		}
		dc.SetRGB(style.R, style.G, style.B)
		dc.DrawRectangle(float64(box.X), float64(box.Y), float64(box.Width), float64(box.Height))
		dc.Stroke()

		label := fmt.Sprintf("%v %.0f%%", d.Label, d.Confidence*100)
		tw, th := dc.MeasureString(label)
		ty := float64(box.Y) - 2
		if ty-th < 0 {
			ty = float64(box.Y) + th + 2
		}
		dc.DrawRectangle(float64(box.X), ty-th-1, tw+4, th+3)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawString(label, float64(box.X)+2, ty)
	}

	out := bytes.Buffer{}
	if err := jpeg.Encode(&out, dc.Image(), &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("Failed to encode overlay image: %w", err)
	}
	return out.Bytes(), nil
}
