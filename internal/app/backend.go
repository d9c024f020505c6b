package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dr-api/internal/analysis"
	"github.com/Brownie44l1/dr-api/internal/config"
	"github.com/Brownie44l1/dr-api/internal/model"
	"github.com/Brownie44l1/dr-api/internal/preprocess"
	"github.com/Brownie44l1/dr-api/internal/remote"
	"github.com/Brownie44l1/dr-api/internal/screening"
)

// Backend is the inference provider selected by config. Loader is nil when
// the provider needs no setup; Close releases whatever it holds.
type Backend struct {
	Provider screening.Provider
	Loader   analysis.Loader
	Close    func()
}

func Build(cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Inference.Backend {
	case config.BackendLocal:
		return buildLocal(cfg, logger)
	case config.BackendRemote:
		client := remote.New(cfg.Remote.BaseURL, cfg.Remote.Timeout, cfg.Constraints(), logger)
		logger.Info("using remote inference", zap.String("base_url", cfg.Remote.BaseURL), zap.Duration("timeout", cfg.Remote.Timeout))
		return &Backend{Provider: client, Close: func() {}}, nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Inference.Backend)
	}
}

func buildLocal(cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	norm, err := preprocess.ParseNormalization(cfg.Model.Normalization)
	if err != nil {
		return nil, err
	}
	interp, err := preprocess.ParseInterpolation(cfg.Preprocess.Interpolation)
	if err != nil {
		return nil, err
	}

	pre := preprocess.New(cfg.Constraints(), norm, interp, logger)
	server := model.NewServer(model.Options{
		ModelPath:     cfg.Model.Path,
		MetadataPath:  cfg.Model.MetadataPath,
		LibraryPath:   cfg.Model.LibraryPath,
		Normalization: norm,
		DRClassIndex:  cfg.Model.DRClassIndex,
		Workers:       cfg.Model.Workers,
	}, logger)

	provider := model.NewLocalProvider(pre, server)
	return &Backend{Provider: provider, Loader: provider, Close: server.Close}, nil
}
