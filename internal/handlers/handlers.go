package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dr-api/internal/analysis"
	"github.com/Brownie44l1/dr-api/internal/remote"
	"github.com/Brownie44l1/dr-api/internal/screening"
)

const (
	formField = "image"
	// multipart framing on top of the image itself
	formOverhead = 1 << 20
)

var errBadRequest = errors.New("bad request")

type Handler struct {
	provider    screening.Provider
	interp      *screening.Interpreter
	constraints screening.Constraints
	backend     string
	logger      *zap.Logger

	mu         sync.Mutex
	sessions   map[string]*session
	sessionTTL time.Duration
	now        func() time.Time
	done       chan struct{}
	stop       sync.Once
}

func NewHandler(provider screening.Provider, interp *screening.Interpreter, constraints screening.Constraints, backend string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		provider:    provider,
		interp:      interp,
		constraints: constraints,
		backend:     backend,
		logger:      logger,
		sessions:    make(map[string]*session),
		sessionTTL:  DefaultSessionTTL,
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

type analysisResponse struct {
	Label           screening.Label `json:"label"`
	ProbabilityOfDR float64         `json:"probability_of_dr"`
	Interpretation  string          `json:"interpretation"`
	Disclaimer      string          `json:"disclaimer"`
}

func newAnalysisResponse(result screening.Result) analysisResponse {
	return analysisResponse{
		Label:           result.Label,
		ProbabilityOfDR: result.ProbabilityOfDR,
		Interpretation:  result.Interpretation(),
		Disclaimer:      screening.Disclaimer,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "backend": h.backend})
}

// Root answers the liveness probe older clients send to "/".
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "API is running"})
}

// Predict serves the remote inference contract: class and both
// probabilities, uninterpreted.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	img, err := h.readImage(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out, err := h.provider.Classify(r.Context(), img)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := toPrediction(out)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	img, err := h.readImage(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out, err := h.provider.Classify(r.Context(), img)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.interp.Interpret(out)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("image analyzed",
		zap.String("filename", img.Filename),
		zap.String("label", string(result.Label)),
		zap.Float64("probability_of_dr", result.ProbabilityOfDR))
	writeJSON(w, http.StatusOK, newAnalysisResponse(result))
}

func toPrediction(out screening.RawOutput) (remote.PredictResponse, error) {
	if len(out.Logits) == 0 {
		if len(out.Probabilities) != 2 {
			return remote.PredictResponse{}, fmt.Errorf("provider returned no output: %w", screening.ErrInference)
		}
		for _, p := range out.Probabilities {
			if math.IsNaN(p) || math.IsInf(p, 0) {
				return remote.PredictResponse{}, fmt.Errorf("probabilities %v: %w", out.Probabilities, screening.ErrMalformedResponse)
			}
		}
		return remote.PredictResponse{Class: out.Class, Probabilities: out.Probabilities}, nil
	}
	if len(out.Logits) != 2 {
		return remote.PredictResponse{}, fmt.Errorf("expected 2 logits, got %d: %w", len(out.Logits), screening.ErrInference)
	}

	probs := screening.Softmax(out.Logits)
	for _, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return remote.PredictResponse{}, fmt.Errorf("logits %v give no distribution: %w", out.Logits, screening.ErrInference)
		}
	}
	class := 0
	if probs[1] > probs[0] {
		class = 1
	}
	return remote.PredictResponse{Class: class, Probabilities: probs}, nil
}

// readImage pulls exactly one file from the "image" form field. The part's
// Content-Type is trusted unless it is missing or generic, in which case the
// bytes are sniffed.
func (h *Handler) readImage(w http.ResponseWriter, r *http.Request) (screening.SourceImage, error) {
	if h.constraints.MaxSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.constraints.MaxSize+formOverhead)
	}

	if err := r.ParseMultipartForm(h.constraints.MaxSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return screening.SourceImage{}, fmt.Errorf("request body over %d bytes: %w", tooLarge.Limit, screening.ErrSizeLimit)
		}
		return screening.SourceImage{}, fmt.Errorf("%w: failed to parse form: %v", errBadRequest, err)
	}

	headers := r.MultipartForm.File[formField]
	if len(headers) != 1 {
		return screening.SourceImage{}, fmt.Errorf("%w: expected exactly one file in the %q field, got %d", errBadRequest, formField, len(headers))
	}
	header := headers[0]

	file, err := header.Open()
	if err != nil {
		return screening.SourceImage{}, fmt.Errorf("%w: failed to open upload: %v", errBadRequest, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return screening.SourceImage{}, fmt.Errorf("%w: failed to read upload: %v", errBadRequest, err)
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	h.logger.Debug("received file",
		zap.String("filename", header.Filename),
		zap.String("content_type", contentType),
		zap.Int("size", len(data)))

	img := screening.SourceImage{Filename: header.Filename, ContentType: contentType, Data: data}
	if err := h.constraints.Check(img); err != nil {
		return screening.SourceImage{}, err
	}
	return img, nil
}

func statusFor(err error) int {
	var serverErr *screening.ServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, screening.ErrDecode),
		errors.Is(err, screening.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, screening.ErrSizeLimit):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errTooManySessions),
		errors.Is(err, analysis.ErrModelNotReady),
		errors.Is(err, screening.ErrModelLoad):
		return http.StatusServiceUnavailable
	case errors.Is(err, screening.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &serverErr),
		errors.Is(err, screening.ErrNetwork),
		errors.Is(err, screening.ErrMalformedResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Warn("request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, remote.ErrorResponse{Error: err.Error()})
}

// writeJSON marshals before writing the header; an unencodable value is
// reported as a 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(remote.ErrorResponse{Error: "failed to encode response"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}
