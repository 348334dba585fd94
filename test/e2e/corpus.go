package e2e

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
)

// Hue is one color family of the corpus. Every family is stored under its own group.
type Hue struct {
	Name  string
	Color color.RGBA
}

// CorpusImage is a generated image and the family it belongs to.
type CorpusImage struct {
	Name  string
	Hue   string
	Shade int
	Color color.RGBA
}

// QueryTestCase is an unseen shade of a family; the nearest stored image must come from ExpectedHue.
type QueryTestCase struct {
	Description string
	Color       color.RGBA
	ExpectedHue string
}

// Corpus holds the generated images and query cases.
type Corpus struct {
	Hues      []Hue
	Images    []CorpusImage
	TestCases []QueryTestCase
}

var corpusHues = []Hue{
	{"red", color.RGBA{220, 30, 30, 255}},
	{"green", color.RGBA{30, 180, 40, 255}},
	{"blue", color.RGBA{30, 40, 210, 255}},
	{"yellow", color.RGBA{235, 220, 40, 255}},
	{"cyan", color.RGBA{40, 210, 220, 255}},
	{"magenta", color.RGBA{210, 40, 200, 255}},
	{"orange", color.RGBA{245, 140, 20, 255}},
	{"gray", color.RGBA{128, 128, 128, 255}},
	{"black", color.RGBA{10, 10, 10, 255}},
	{"white", color.RGBA{245, 245, 245, 255}},
}

const shadesPerHue = 5

// BuildCorpus returns shadesPerHue shades of every hue and one unseen query shade per hue.
func BuildCorpus() *Corpus {
	c := &Corpus{Hues: corpusHues}
	for _, h := range corpusHues {
		for s := 0; s < shadesPerHue; s++ {
			offset := (s - shadesPerHue/2) * 8
			ext := SupportedImageExtensions[s%len(SupportedImageExtensions)]
			c.Images = append(c.Images, CorpusImage{
				Name:  fmt.Sprintf("%s_%d%s", h.Name, s, ext),
				Hue:   h.Name,
				Shade: s,
				Color: shift(h.Color, offset),
			})
		}
		c.TestCases = append(c.TestCases, QueryTestCase{
			Description: "unseen shade of " + h.Name,
			Color:       shift(h.Color, 3),
			ExpectedHue: h.Name,
		})
	}
	return c
}

// WriteTo writes every corpus image into dir/<hue>/ and returns the hue directories.
func (c *Corpus) WriteTo(dir string) (map[string]string, error) {
	dirs := make(map[string]string, len(c.Hues))
	for _, h := range c.Hues {
		d := filepath.Join(dir, h.Name)
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, err
		}
		dirs[h.Name] = d
	}
	for i, img := range c.Images {
		if _, err := WriteImage(dirs[img.Hue], img.Name, SolidImage(img.Color, i)); err != nil {
			return nil, fmt.Errorf("write %s: %w", img.Name, err)
		}
	}
	return dirs, nil
}

func shift(c color.RGBA, delta int) color.RGBA {
	return color.RGBA{clamp(int(c.R) + delta), clamp(int(c.G) + delta), clamp(int(c.B) + delta), 255}
}

func clamp(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}
