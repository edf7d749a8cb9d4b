package imageloader

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/example/sigverify/internal/apperrors"
)

// DefaultSize is the side length of every sample unless configured otherwise.
const DefaultSize = 128

// MaxSide bounds the declared width and height of an input raster.
const MaxSide = 8192

// Image is a Size x Size single-channel intensity grid normalized to [0,1],
// stored row-major.
type Image struct {
	Size   int
	Pixels []float64
	// Digest is the hex sha1 of the source bytes. Empty for synthesized images.
	Digest string
}

// At returns the intensity at column x, row y.
func (img Image) At(x, y int) float64 {
	return img.Pixels[y*img.Size+x]
}

// Loader decodes raster bytes into normalized fixed-size samples.
type Loader struct {
	size int
}

// New returns a Loader producing size x size samples.
func New(size int) *Loader {
	if size <= 0 {
		size = DefaultSize
	}
	return &Loader{size: size}
}

// Size reports the side length of produced samples.
func (l *Loader) Size() int { return l.size }

// Decode converts raw image bytes into a sample. Bytes that are not a
// supported raster image yield *apperrors.DecodeError.
func (l *Loader) Decode(data []byte) (Image, error) {
	return l.decode(data, "")
}

// Load reads and decodes the image file at path.
func (l *Loader) Load(path string) (Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, &apperrors.DecodeError{Source: path, Err: err}
	}
	return l.decode(data, path)
}

func (l *Loader) decode(data []byte, source string) (Image, error) {
	if len(data) == 0 {
		return Image{}, &apperrors.DecodeError{Source: source, Err: errors.New("empty input")}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, &apperrors.DecodeError{Source: source, Err: err}
	}
	if cfg.Width > MaxSide || cfg.Height > MaxSide {
		return Image{}, &apperrors.DecodeError{Source: source, Err: fmt.Errorf("image %dx%d exceeds %d pixels per side", cfg.Width, cfg.Height, MaxSide)}
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, &apperrors.DecodeError{Source: source, Err: err}
	}
	bounds := src.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return Image{}, &apperrors.DecodeError{Source: source, Err: fmt.Errorf("zero-sized image %dx%d", bounds.Dx(), bounds.Dy())}
	}

	sum := sha1.Sum(data)
	img := Normalize(toGray(src), l.size)
	img.Digest = hex.EncodeToString(sum[:])
	return img, nil
}

// Normalize resizes a grayscale raster to size x size with bilinear
// interpolation, ignoring aspect ratio, and scales intensities to [0,1].
func Normalize(gray *image.Gray, size int) Image {
	resized := resize.Resize(uint(size), uint(size), gray, resize.Bilinear)
	out := Image{Size: size, Pixels: make([]float64, size*size)}
	b := resized.Bounds()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := color.GrayModel.Convert(resized.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			out.Pixels[y*size+x] = float64(v.Y) / 255.0
		}
	}
	return out
}

func toGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		return g
	}
	b := src.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x-b.Min.X, y-b.Min.Y, color.GrayModel.Convert(src.At(x, y)))
		}
	}
	return gray
}
