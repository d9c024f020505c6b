package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
	"go.uber.org/zap"

	"github.com/Brownie44l1/dr-api/internal/screening"
)

// Normalization is tied to the model artifact. It is declared in the model
// metadata and checked against the configuration at load time.
type Normalization string

const (
	// Signed maps [0,255] to [-1,1]: mean = std = 0.5.
	Signed Normalization = "signed"
	// Unsigned maps [0,255] to [0,1].
	Unsigned Normalization = "unsigned"
)

func ParseNormalization(s string) (Normalization, error) {
	switch n := Normalization(strings.ToLower(strings.TrimSpace(s))); n {
	case Signed, Unsigned:
		return n, nil
	default:
		return "", fmt.Errorf("unknown normalization %q (want %q or %q)", s, Signed, Unsigned)
	}
}

func (n Normalization) apply(v uint8) float32 {
	if n == Unsigned {
		return float32(v) / 255
	}
	return float32(v)/127.5 - 1
}

// Range returns the closed interval every normalized value falls in.
func (n Normalization) Range() (lo, hi float32) {
	if n == Unsigned {
		return 0, 1
	}
	return -1, 1
}

var interpolations = map[string]resize.InterpolationFunction{
	"nearest":  resize.NearestNeighbor,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"lanczos3": resize.Lanczos3,
}

func ParseInterpolation(s string) (resize.InterpolationFunction, error) {
	if s == "" {
		return resize.Bilinear, nil
	}
	f, ok := interpolations[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown interpolation %q", s)
	}
	return f, nil
}

// Tensor is a 3x299x299 image in channel-major order.
type Tensor []float32

type Preprocessor struct {
	Constraints   screening.Constraints
	Normalization Normalization
	Interpolation resize.InterpolationFunction
	Logger        *zap.Logger
}

func New(constraints screening.Constraints, norm Normalization, interp resize.InterpolationFunction, logger *zap.Logger) *Preprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preprocessor{
		Constraints:   constraints,
		Normalization: norm,
		Interpolation: interp,
		Logger:        logger,
	}
}

// Process validates, decodes, stretches the image to 299x299 and lays it out
// as a normalized CHW tensor.
func (p *Preprocessor) Process(img screening.SourceImage) (Tensor, error) {
	if err := p.Constraints.Check(img); err != nil {
		return nil, err
	}

	decoded, format, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %v: %w", img.Filename, err, screening.ErrDecode)
	}

	p.Logger.Debug("image decoded",
		zap.String("filename", img.Filename),
		zap.String("format", format),
		zap.Int("width", decoded.Bounds().Dx()),
		zap.Int("height", decoded.Bounds().Dy()))

	resized := resize.Resize(screening.ImageSize, screening.ImageSize, decoded, p.Interpolation)

	// Canvas-style 8-bit non-premultiplied RGBA.
	raster := image.NewNRGBA(image.Rect(0, 0, screening.ImageSize, screening.ImageSize))
	draw.Draw(raster, raster.Bounds(), resized, resized.Bounds().Min, draw.Src)

	return toTensor(raster, p.Normalization), nil
}

func toTensor(raster *image.NRGBA, norm Normalization) Tensor {
	const (
		size  = screening.ImageSize
		plane = size * size
	)

	tensor := make(Tensor, screening.TensorSize)
	for y := 0; y < size; y++ {
		row := raster.Pix[y*raster.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+4]
			idx := y*size + x
			tensor[idx] = norm.apply(px[0])
			tensor[plane+idx] = norm.apply(px[1])
			tensor[2*plane+idx] = norm.apply(px[2])
		}
	}
	return tensor
}
