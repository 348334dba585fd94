// Package e2e provides end-to-end tests over real encoded images; this file builds the image files.
package e2e

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
)

// SupportedImageExtensions are the formats generated for E2E tests. WebP is decode-only in
// golang.org/x/image, so it is exercised by the embedding package tests instead.
var SupportedImageExtensions = []string{".png", ".jpg", ".jpeg"}

const fixtureSize = 32

// SolidImage returns a fixtureSize square image filled with c, with a one-pixel marker in the
// corner whose value is derived from variant so that equal colors still differ in bytes.
func SolidImage(c color.RGBA, variant int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, fixtureSize, fixtureSize))
	for y := 0; y < fixtureSize; y++ {
		for x := 0; x < fixtureSize; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	marker := c
	marker.A = 255
	marker.R ^= uint8(variant & 0x07)
	img.SetRGBA(0, 0, marker)
	return img
}

// EncodeImage encodes img in the format implied by ext.
func EncodeImage(ext string, img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	switch ext {
	case ".png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	case ".jpg", ".jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported fixture extension %q", ext)
	}
	return buf.Bytes(), nil
}

// WriteImage encodes img into dir/name and returns the path.
func WriteImage(dir, name string, img image.Image) (string, error) {
	data, err := EncodeImage(filepath.Ext(name), img)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}
