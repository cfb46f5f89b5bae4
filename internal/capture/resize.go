package capture

import (
	"image"

	"golang.org/x/image/draw"
)

// Resize scales img to width x height with nearest-neighbour sampling.
// img is returned untouched when it already has the target size or the
// target is not positive.
func Resize(img image.Image, width, height int) image.Image {
	if img == nil || width <= 0 || height <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
