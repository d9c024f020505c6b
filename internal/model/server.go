package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/dr-api/internal/preprocess"
	"github.com/Brownie44l1/dr-api/internal/screening"
)

type Options struct {
	ModelPath     string
	MetadataPath  string
	LibraryPath   string
	Normalization preprocess.Normalization
	DRClassIndex  int
	Workers       int
}

// Server owns the ONNX runtime for the process lifetime. Each worker gets its
// own session and tensors; a session is never used by two callers at once.
type Server struct {
	opts   Options
	logger *zap.Logger

	// life serializes Load and Close; mu guards the fields Infer reads.
	life     sync.Mutex
	loaded   bool
	ownsEnv  bool
	Metadata Metadata

	mu      sync.Mutex
	workers []*worker
	pool    chan *worker
	closed  chan struct{}
}

type worker struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func NewServer(opts Options, logger *zap.Logger) *Server {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{opts: opts, logger: logger}
}

// Load is a no-op once it has succeeded. After a failure it may be retried.
func (s *Server) Load() error {
	s.life.Lock()
	defer s.life.Unlock()

	if s.loaded {
		return nil
	}
	if err := s.load(); err != nil {
		return fmt.Errorf("%v: %w", err, screening.ErrModelLoad)
	}
	s.loaded = true
	return nil
}

func (s *Server) load() error {
	metadata, err := LoadMetadata(s.opts.MetadataPath)
	if err != nil {
		return err
	}
	if err := metadata.Validate(s.opts.Normalization, s.opts.DRClassIndex); err != nil {
		return fmt.Errorf("model metadata rejected: %w", err)
	}

	if !ort.IsInitialized() {
		if s.opts.LibraryPath != "" {
			ort.SetSharedLibraryPath(s.opts.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		s.ownsEnv = true
	}

	workers := make([]*worker, 0, s.opts.Workers)
	for i := 0; i < s.opts.Workers; i++ {
		w, err := newWorker(s.opts.ModelPath, metadata)
		if err != nil {
			for _, w := range workers {
				w.destroy()
			}
			s.destroyEnv()
			return fmt.Errorf("worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}

	pool := make(chan *worker, len(workers))
	for _, w := range workers {
		pool <- w
	}

	s.Metadata = metadata
	s.mu.Lock()
	s.workers = workers
	s.pool = pool
	s.closed = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("model loaded",
		zap.String("path", s.opts.ModelPath),
		zap.Strings("classes", metadata.Classes),
		zap.String("dr_class", metadata.ClassName(s.opts.DRClassIndex)),
		zap.String("normalization", string(s.opts.Normalization)),
		zap.Int("workers", len(workers)))
	return nil
}

func newWorker(modelPath string, metadata Metadata) (*worker, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &worker{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Infer runs one forward pass on a batch of one and returns the two logits.
// It blocks until a worker is free, ctx is done or the server is closed.
func (s *Server) Infer(ctx context.Context, tensor preprocess.Tensor) ([]float32, error) {
	if len(tensor) != screening.TensorSize {
		return nil, fmt.Errorf("tensor has %d values, want %d: %w", len(tensor), screening.TensorSize, screening.ErrInference)
	}

	s.mu.Lock()
	pool, closed := s.pool, s.closed
	s.mu.Unlock()
	if pool == nil {
		return nil, fmt.Errorf("model not loaded: %w", screening.ErrInference)
	}

	var w *worker
	select {
	case <-closed:
		return nil, fmt.Errorf("model closed: %w", screening.ErrInference)
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		select {
		case w = <-pool:
		case <-closed:
			return nil, fmt.Errorf("model closed: %w", screening.ErrInference)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer func() { pool <- w }()

	copy(w.inputTensor.GetData(), tensor)

	if err := w.session.Run(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, screening.ErrInference)
	}

	out := w.outputTensor.GetData()
	logits := make([]float32, len(out))
	copy(logits, out)
	return logits, nil
}

// Close rejects new and waiting inferences, then waits for every worker to
// come back to the pool before freeing native memory.
func (s *Server) Close() {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	workers, pool := s.workers, s.pool
	if s.closed != nil {
		close(s.closed)
	}
	s.workers, s.pool, s.closed = nil, nil, nil
	s.mu.Unlock()

	for range workers {
		<-pool
	}
	for _, w := range workers {
		w.destroy()
	}
	s.loaded = false
	s.destroyEnv()
}

func (s *Server) destroyEnv() {
	if s.ownsEnv {
		if err := ort.DestroyEnvironment(); err != nil {
			s.logger.Warn("failed to destroy ONNX environment", zap.Error(err))
		}
		s.ownsEnv = false
	}
}

func (w *worker) destroy() {
	if w.inputTensor != nil {
		w.inputTensor.Destroy()
	}
	if w.outputTensor != nil {
		w.outputTensor.Destroy()
	}
	if w.session != nil {
		w.session.Destroy()
	}
}
