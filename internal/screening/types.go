package screening

import (
	"context"
	"fmt"
	"strings"
)

const (
	ImageSize   = 299
	Channels    = 3
	TensorSize  = Channels * ImageSize * ImageSize
	MaxFileSize = 10 << 20
)

var DefaultAllowedTypes = []string{"image/jpeg", "image/png", "image/jpg"}

const Disclaimer = "This tool provides only a preliminary screening and is not a substitute for professional medical consultation."

type SourceImage struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Constraints bound what a SourceImage may be before any decode or network call.
type Constraints struct {
	MaxSize      int64
	AllowedTypes []string
}

func DefaultConstraints() Constraints {
	return Constraints{MaxSize: MaxFileSize, AllowedTypes: DefaultAllowedTypes}
}

// Check rejects oversized images first, then unsupported MIME types.
func (c Constraints) Check(img SourceImage) error {
	if c.MaxSize > 0 && int64(len(img.Data)) > c.MaxSize {
		return fmt.Errorf("%d bytes over %d byte limit: %w", len(img.Data), c.MaxSize, ErrSizeLimit)
	}
	if !c.allowed(img.ContentType) {
		return fmt.Errorf("content type %q: %w", img.ContentType, ErrUnsupportedFormat)
	}
	return nil
}

func (c Constraints) allowed(contentType string) bool {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	for _, allowed := range c.AllowedTypes {
		if strings.EqualFold(mediaType, allowed) {
			return true
		}
	}
	return false
}

// RawOutput is what a Provider returns. Local providers fill Logits,
// remote providers fill Class and Probabilities.
type RawOutput struct {
	Logits        []float32
	Class         int
	Probabilities []float64
}

type Provider interface {
	Classify(ctx context.Context, img SourceImage) (RawOutput, error)
}

type Label string

const (
	DRDetected Label = "DR_DETECTED"
	NoDR       Label = "NO_DR"
)

type Result struct {
	Label           Label   `json:"label"`
	ProbabilityOfDR float64 `json:"probability_of_dr"`
}

func (r Result) Interpretation() string {
	if r.Label == DRDetected {
		return "The analysis detected patterns consistent with diabetic retinopathy."
	}
	return "The analysis did not detect significant signs."
}
