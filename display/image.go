package display

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"

	// Standard-Decoder registrieren
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/affinities/affinities/ml"
)

// DecodeImage dekodiert ein Bild zu einem (y, x) Array
// Bilder werden als Grauwerte in [0, 1] gelesen, Labels als 16-Bit Ganzzahlen
func DecodeImage(r io.Reader, kind LayerKind) (*ml.Array, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("bild dekodieren fehlgeschlagen: %w", err)
	}

	bounds := img.Bounds()
	a := ml.NewArray(bounds.Dy(), bounds.Dx())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)

			v := float32(g.Y) / 0xffff
			if kind == KindLabels {
				v = float32(g.Y)
				if _, ok := img.(*image.Gray); ok {
					// 8-Bit Labels nicht auf 16 Bit skalieren
					v = float32(g.Y >> 8)
				}
			}
			a.Set(v, y-bounds.Min.Y, x-bounds.Min.X)
		}
	}

	return a, nil
}

// LoadLayer liest eine Bilddatei als Layer, der Name ist der Dateiname ohne Endung
func LoadLayer(path string, name string, kind LayerKind) (*Layer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("datei lesen fehlgeschlagen: %w", err)
	}
	defer f.Close()

	data, err := DecodeImage(f, kind)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &Layer{Name: name, Kind: kind, Data: data, Axes: []string{"y", "x"}}, nil
}
