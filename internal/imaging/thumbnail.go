// Package imaging resizes listing photos into grid thumbnails using pure Go,
// so it runs anywhere without cgo or external tools.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// DefaultMaxDimension is the maximum dimension (width or height) for
// thumbnails shown in the group grid.
const DefaultMaxDimension = 512

// jpegQuality balances grid sharpness against payload size.
const jpegQuality = 80

// Thumbnail resizes a JPEG or PNG image so neither dimension exceeds
// maxDimension, preserving aspect ratio, and returns JPEG bytes plus the
// output MIME type. Images already within bounds are re-encoded unchanged
// in size so the grid always serves JPEG.
func Thumbnail(data []byte, mimeType string, maxDimension int) ([]byte, string, error) {
	var img image.Image
	var err error
	switch mimeType {
	case "image/jpeg":
		img, err = jpeg.Decode(bytes.NewReader(data))
	case "image/png":
		img, err = png.Decode(bytes.NewReader(data))
	default:
		return nil, "", fmt.Errorf("unsupported format for thumbnail: %s", mimeType)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	origWidth := bounds.Dx()
	origHeight := bounds.Dy()

	newWidth, newHeight := scaledDimensions(origWidth, origHeight, maxDimension)

	out := img
	if newWidth != origWidth || newHeight != origHeight {
		resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		out = resized
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	log.Debug().
		Int("orig_width", origWidth).
		Int("orig_height", origHeight).
		Int("new_width", newWidth).
		Int("new_height", newHeight).
		Int("output_size", buf.Len()).
		Msg("Thumbnail generated")

	return buf.Bytes(), "image/jpeg", nil
}

// scaledDimensions returns dimensions that fit within maxDimension while
// preserving aspect ratio. Images already within bounds keep their size.
func scaledDimensions(width, height, maxDimension int) (int, int) {
	if width <= maxDimension && height <= maxDimension {
		return width, height
	}
	if width >= height {
		scaled := height * maxDimension / width
		if scaled < 1 {
			scaled = 1
		}
		return maxDimension, scaled
	}
	scaled := width * maxDimension / height
	if scaled < 1 {
		scaled = 1
	}
	return scaled, maxDimension
}
