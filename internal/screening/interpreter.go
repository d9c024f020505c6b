package screening

import (
	"fmt"
	"math"
)

const DecisionThreshold = 0.5

// Interpreter maps raw model output to a Result. DRIndex names the class
// index that means "DR detected" for the paired model; the two model
// generations this service has shipped disagree on it, so it is never
// defaulted.
type Interpreter struct {
	DRIndex int
}

func NewInterpreter(drIndex int) (*Interpreter, error) {
	if drIndex != 0 && drIndex != 1 {
		return nil, fmt.Errorf("dr class index must be 0 or 1, got %d", drIndex)
	}
	return &Interpreter{DRIndex: drIndex}, nil
}

func (i *Interpreter) Interpret(out RawOutput) (Result, error) {
	var probs []float64
	switch {
	case len(out.Logits) > 0:
		if len(out.Logits) != 2 {
			return Result{}, fmt.Errorf("expected 2 logits, got %d: %w", len(out.Logits), ErrInference)
		}
		probs = Softmax(out.Logits)
	case len(out.Probabilities) > 0:
		if len(out.Probabilities) != 2 {
			return Result{}, fmt.Errorf("expected 2 probabilities, got %d: %w", len(out.Probabilities), ErrMalformedResponse)
		}
		probs = out.Probabilities
	default:
		return Result{}, fmt.Errorf("empty model output: %w", ErrInference)
	}

	p := probs[i.DRIndex]
	if math.IsNaN(p) || p < 0 || p > 1 {
		return Result{}, fmt.Errorf("probability %v out of range: %w", p, ErrInference)
	}

	label := NoDR
	if p > DecisionThreshold {
		label = DRDetected
	}
	return Result{Label: label, ProbabilityOfDR: p}, nil
}

// Softmax subtracts the max logit before exponentiating.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := float64(logits[0])
	for _, l := range logits[1:] {
		if float64(l) > maxLogit {
			maxLogit = float64(l)
		}
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(float64(l) - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
