package model

import (
	"context"

	"github.com/Brownie44l1/dr-api/internal/preprocess"
	"github.com/Brownie44l1/dr-api/internal/screening"
)

type inferer interface {
	Load() error
	Infer(ctx context.Context, tensor preprocess.Tensor) ([]float32, error)
}

// LocalProvider runs the whole pipeline in-process: preprocess, then one
// forward pass on the loaded model.
type LocalProvider struct {
	preprocessor *preprocess.Preprocessor
	model        inferer
}

func NewLocalProvider(preprocessor *preprocess.Preprocessor, server *Server) *LocalProvider {
	return &LocalProvider{preprocessor: preprocessor, model: server}
}

func (p *LocalProvider) Load() error {
	return p.model.Load()
}

func (p *LocalProvider) Classify(ctx context.Context, img screening.SourceImage) (screening.RawOutput, error) {
	tensor, err := p.preprocessor.Process(img)
	if err != nil {
		return screening.RawOutput{}, err
	}

	logits, err := p.model.Infer(ctx, tensor)
	if err != nil {
		return screening.RawOutput{}, err
	}
	return screening.RawOutput{Logits: logits}, nil
}
