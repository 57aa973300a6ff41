// Package preprocess turns uploaded image bytes into the float tensor the
// classifier consumes, and into a small preview for the page.
package preprocess

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrImageTooSmall     = errors.New("image too small")
	ErrImageTooLarge     = errors.New("image too large")
)

// Channel layouts, mirrored from the model metadata.
const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

var supportedFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
}

// Decode reads an image from raw bytes. The header is inspected first so
// that oversized images are rejected before their pixels are allocated.
func Decode(data []byte, maxPixels int) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if !supportedFormats[format] {
		return nil, format, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if maxPixels > 0 && cfg.Width*cfg.Height > maxPixels {
		return nil, format, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return img, format, nil
}

// DecodeReader is Decode for streams.
func DecodeReader(r io.Reader, maxPixels int) (image.Image, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	return Decode(data, maxPixels)
}

// Validate rejects degenerate images whose shorter side is below minSide.
func Validate(img image.Image, minSide int) error {
	bounds := img.Bounds()
	if bounds.Dx() < minSide || bounds.Dy() < minSide {
		return fmt.Errorf("%w: %dx%d (minimum: %d)", ErrImageTooSmall, bounds.Dx(), bounds.Dy(), minSide)
	}
	return nil
}

// ToRGB returns an opaque copy of img. Alpha is discarded rather than
// composited, so transparent pixels keep their stored color.
func ToRGB(img image.Image) *image.NRGBA {
	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	return rgb
}

// ParseInterpolation maps a config name onto a resize filter.
func ParseInterpolation(name string) (resize.InterpolationFunction, error) {
	switch name {
	case "nearest":
		return resize.NearestNeighbor, nil
	case "bilinear":
		return resize.Bilinear, nil
	case "bicubic", "":
		return resize.Bicubic, nil
	case "lanczos":
		return resize.Lanczos3, nil
	}
	return resize.Bicubic, fmt.Errorf("unknown interpolation %q", name)
}

// ToTensor converts img to RGB, resizes it to size x size and scales the
// pixels to [0,1]. The result carries a leading batch dimension of 1, laid
// out either channels-last (NHWC) or channels-first (NCHW).
func ToTensor(img image.Image, size int, layout string, interp resize.InterpolationFunction) ([]float32, error) {
	if size < 1 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}
	if layout != LayoutNHWC && layout != LayoutNCHW {
		return nil, fmt.Errorf("unknown layout %q", layout)
	}

	resized := resize.Resize(uint(size), uint(size), ToRGB(img), interp)
	pixels := imaging.Clone(resized)

	plane := size * size
	inputData := make([]float32, 3*plane)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := pixels.PixOffset(x, y)
			r := float32(pixels.Pix[off]) / 255.0
			g := float32(pixels.Pix[off+1]) / 255.0
			b := float32(pixels.Pix[off+2]) / 255.0

			pixelIndex := y*size + x
			if layout == LayoutNHWC {
				inputData[pixelIndex*3] = r
				inputData[pixelIndex*3+1] = g
				inputData[pixelIndex*3+2] = b
			} else {
				inputData[pixelIndex] = r
				inputData[plane+pixelIndex] = g
				inputData[2*plane+pixelIndex] = b
			}
		}
	}

	return inputData, nil
}

// Preview shrinks img to fit inside maxSide x maxSide (never enlarging it)
// and returns it as a PNG data URI.
func Preview(img image.Image, maxSide int) (string, error) {
	thumb := imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return "", fmt.Errorf("failed to encode preview: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
