package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dr-api/internal/screening"
)

const (
	DefaultTimeout = 30 * time.Second
	maxBodySize    = 1 << 20
)

// PredictResponse is the success body of POST /predict.
type PredictResponse struct {
	Class         int       `json:"class"`
	Probabilities []float64 `json:"probabilities"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Client forwards images to a remote prediction service.
type Client struct {
	baseURL     string
	constraints screening.Constraints
	httpc       *http.Client
	logger      *zap.Logger
}

func New(baseURL string, timeout time.Duration, constraints screening.Constraints, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		constraints: constraints,
		httpc:       &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

func (c *Client) Classify(ctx context.Context, img screening.SourceImage) (screening.RawOutput, error) {
	if err := c.constraints.Check(img); err != nil {
		return screening.RawOutput{}, err
	}

	body, contentType, err := encodeImage(img)
	if err != nil {
		return screening.RawOutput{}, fmt.Errorf("building request: %v: %w", err, screening.ErrNetwork)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", body)
	if err != nil {
		return screening.RawOutput{}, fmt.Errorf("building request: %v: %w", err, screening.ErrNetwork)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return screening.RawOutput{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return screening.RawOutput{}, classifyTransportError(ctx, err)
	}

	c.logger.Debug("remote prediction",
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("cost", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return screening.RawOutput{}, &screening.ServerError{
			Status:  resp.StatusCode,
			Message: errorMessage(resp.StatusCode, raw),
		}
	}

	out, err := decodePrediction(raw)
	if err != nil {
		return screening.RawOutput{}, err
	}
	return screening.RawOutput{Class: out.Class, Probabilities: out.Probabilities}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeImage(img screening.SourceImage) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := img.Filename
	if filename == "" {
		filename = "image"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", img.ContentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("remote prediction: %w", context.Canceled)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%v: %w", err, screening.ErrTimeout)
	}
	return fmt.Errorf("%v: %w", err, screening.ErrNetwork)
}

func errorMessage(status int, raw []byte) string {
	var er ErrorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
		return er.Error
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 512 {
		return text
	}
	return http.StatusText(status)
}

func decodePrediction(raw []byte) (PredictResponse, error) {
	var body struct {
		Class         *int      `json:"class"`
		Probabilities []float64 `json:"probabilities"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return PredictResponse{}, fmt.Errorf("%v: %w", err, screening.ErrMalformedResponse)
	}
	if body.Class == nil || (*body.Class != 0 && *body.Class != 1) {
		return PredictResponse{}, fmt.Errorf("class missing or not 0/1: %w", screening.ErrMalformedResponse)
	}
	if len(body.Probabilities) != 2 {
		return PredictResponse{}, fmt.Errorf("expected 2 probabilities, got %d: %w", len(body.Probabilities), screening.ErrMalformedResponse)
	}
	p0, p1 := body.Probabilities[0], body.Probabilities[1]
	if p0 < 0 || p0 > 1 || p1 < 0 || p1 > 1 || math.Abs(p0+p1-1) > 1e-3 {
		return PredictResponse{}, fmt.Errorf("probabilities %v do not form a distribution: %w", body.Probabilities, screening.ErrMalformedResponse)
	}
	return PredictResponse{Class: *body.Class, Probabilities: body.Probabilities}, nil
}
