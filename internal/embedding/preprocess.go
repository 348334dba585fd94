package embedding

import (
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ImageNet channel statistics used by torchvision-exported CNNs.
var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// DecodeFile decodes a PNG, JPEG or WebP image and returns it with its format name.
func DecodeFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Preprocess resizes img to size x size and returns a CHW float tensor normalized with
// ImageNet mean and standard deviation. The aspect ratio is not preserved.
func Preprocess(img image.Image, size int) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := dst.PixOffset(x, y)
			i := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(dst.Pix[off+c]) / 255
				out[c*plane+i] = (v - imageNetMean[c]) / imageNetStd[c]
			}
		}
	}
	return out
}
