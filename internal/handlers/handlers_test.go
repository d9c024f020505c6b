package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Brownie44l1/dr-api/internal/remote"
	"github.com/Brownie44l1/dr-api/internal/screening"
)

type stubProvider struct {
	out   screening.RawOutput
	err   error
	calls atomic.Int32
}

func (s *stubProvider) Classify(context.Context, screening.SourceImage) (screening.RawOutput, error) {
	s.calls.Add(1)
	return s.out, s.err
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 64; i++ {
		img.Set(i%8, i/8, color.NRGBA{R: 200, G: 40, B: 10, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, method, target, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(data)
	mw.Close()

	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func newTestHandler(provider screening.Provider) *Handler {
	return NewHandler(provider, &screening.Interpreter{DRIndex: 0}, screening.DefaultConstraints(), "local", nil)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	rec := serve(newTestHandler(&stubProvider{}).Routes(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["status"] != "healthy" || body["backend"] != "local" {
		t.Errorf("Unexpected body %v", body)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing CORS header")
	}
}

func TestRootStatus(t *testing.T) {
	rec := serve(newTestHandler(&stubProvider{}).Routes(), httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["status"] != "API is running" {
		t.Errorf("Unexpected body %v", body)
	}
}

func TestPreflight(t *testing.T) {
	rec := serve(newTestHandler(&stubProvider{}).Routes(), httptest.NewRequest(http.MethodOptions, "/predict", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for preflight, got %d", rec.Code)
	}
}

func TestPredictFromLogits(t *testing.T) {
	provider := &stubProvider{out: screening.RawOutput{Logits: []float32{2, 0}}}
	routes := newTestHandler(provider).Routes()

	rec := serve(routes, uploadRequest(t, http.MethodPost, "/predict", "image", "eye.png", "image/png", pngBytes(t)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decode[remote.PredictResponse](t, rec)
	if resp.Class != 0 || len(resp.Probabilities) != 2 {
		t.Fatalf("Unexpected prediction %+v", resp)
	}
	want := math.Exp(2) / (math.Exp(2) + 1)
	if math.Abs(resp.Probabilities[0]-want) > 1e-6 {
		t.Errorf("Expected p0 %.6f, got %.6f", want, resp.Probabilities[0])
	}
}

func TestPredictPassesRemoteThrough(t *testing.T) {
	provider := &stubProvider{out: screening.RawOutput{Class: 1, Probabilities: []float64{0.2, 0.8}}}
	rec := serve(newTestHandler(provider).Routes(), uploadRequest(t, http.MethodPost, "/predict", "image", "eye.png", "image/png", pngBytes(t)))

	resp := decode[remote.PredictResponse](t, rec)
	if resp.Class != 1 || resp.Probabilities[1] != 0.8 {
		t.Errorf("Unexpected prediction %+v", resp)
	}
}

func TestAnalyze(t *testing.T) {
	provider := &stubProvider{out: screening.RawOutput{Class: 0, Probabilities: []float64{0.93, 0.07}}}
	rec := serve(newTestHandler(provider).Routes(), uploadRequest(t, http.MethodPost, "/analyze", "image", "eye.png", "image/png", pngBytes(t)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decode[analysisResponse](t, rec)
	if resp.Label != screening.DRDetected || resp.ProbabilityOfDR != 0.93 {
		t.Errorf("Unexpected result %+v", resp)
	}
	if resp.Disclaimer != screening.Disclaimer || resp.Interpretation == "" {
		t.Errorf("Missing disclaimer or interpretation: %+v", resp)
	}
}

func TestUploadValidation(t *testing.T) {
	oversized := make([]byte, screening.MaxFileSize+1)
	copy(oversized, pngBytes(t))
	// Past the body cap, so the upload is cut off while the form is parsed.
	overBody := make([]byte, 12<<20)
	copy(overBody, pngBytes(t))

	tests := []struct {
		name       string
		req        func(t *testing.T) *http.Request
		wantStatus int
	}{
		{"gif", func(t *testing.T) *http.Request {
			return uploadRequest(t, http.MethodPost, "/analyze", "image", "eye.gif", "image/gif", []byte("GIF89a"))
		}, http.StatusBadRequest},
		{"oversized", func(t *testing.T) *http.Request {
			return uploadRequest(t, http.MethodPost, "/analyze", "image", "eye.png", "image/png", oversized)
		}, http.StatusRequestEntityTooLarge},
		{"body over limit", func(t *testing.T) *http.Request {
			return uploadRequest(t, http.MethodPost, "/analyze", "image", "eye.png", "image/png", overBody)
		}, http.StatusRequestEntityTooLarge},
		{"wrong field", func(t *testing.T) *http.Request {
			return uploadRequest(t, http.MethodPost, "/analyze", "file", "eye.png", "image/png", pngBytes(t))
		}, http.StatusBadRequest},
		{"not multipart", func(t *testing.T) *http.Request {
			return httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader("{}"))
		}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &stubProvider{out: screening.RawOutput{Logits: []float32{0, 1}}}
			rec := serve(newTestHandler(provider).Routes(), tt.req(t))
			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if body := decode[remote.ErrorResponse](t, rec); body.Error == "" {
				t.Error("Expected error message in body")
			}
			if n := provider.calls.Load(); n != 0 {
				t.Errorf("Provider called %d times for invalid upload", n)
			}
		})
	}
}

func TestSniffsMissingContentType(t *testing.T) {
	provider := &stubProvider{out: screening.RawOutput{Logits: []float32{0, 1}}}
	rec := serve(newTestHandler(provider).Routes(), uploadRequest(t, http.MethodPost, "/analyze", "image", "eye", "application/octet-stream", pngBytes(t)))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected sniffed PNG to be accepted, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestProviderErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"decode", fmt.Errorf("bad bytes: %w", screening.ErrDecode), http.StatusBadRequest},
		{"timeout", fmt.Errorf("after 30s: %w", screening.ErrTimeout), http.StatusGatewayTimeout},
		{"upstream", &screening.ServerError{Status: 500, Message: "boom"}, http.StatusBadGateway},
		{"network", fmt.Errorf("refused: %w", screening.ErrNetwork), http.StatusBadGateway},
		{"malformed", fmt.Errorf("class 7: %w", screening.ErrMalformedResponse), http.StatusBadGateway},
		{"inference", fmt.Errorf("run: %w", screening.ErrInference), http.StatusInternalServerError},
		{"model", fmt.Errorf("missing: %w", screening.ErrModelLoad), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &stubProvider{err: tt.err}
			rec := serve(newTestHandler(provider).Routes(), uploadRequest(t, http.MethodPost, "/predict", "image", "eye.png", "image/png", pngBytes(t)))
			if rec.Code != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestInterpretErrorIsServerSide(t *testing.T) {
	provider := &stubProvider{out: screening.RawOutput{Logits: []float32{1, 2, 3}}}
	rec := serve(newTestHandler(provider).Routes(), uploadRequest(t, http.MethodPost, "/analyze", "image", "eye.png", "image/png", pngBytes(t)))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
}

func TestPredictRejectsNonFiniteOutput(t *testing.T) {
	tests := []struct {
		name string
		out  screening.RawOutput
	}{
		{"nan logit", screening.RawOutput{Logits: []float32{float32(math.NaN()), 0}}},
		{"inf logit", screening.RawOutput{Logits: []float32{float32(math.Inf(1)), 0}}},
		{"nan probability", screening.RawOutput{Class: 0, Probabilities: []float64{math.NaN(), 0.5}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &stubProvider{out: tt.out}
			rec := serve(newTestHandler(provider).Routes(), uploadRequest(t, http.MethodPost, "/predict", "image", "eye.png", "image/png", pngBytes(t)))
			if rec.Code == http.StatusOK {
				t.Fatalf("Expected an error status, got 200 with body %q", rec.Body.String())
			}
			if body := decode[remote.ErrorResponse](t, rec); body.Error == "" {
				t.Error("Expected error message in body")
			}
		})
	}
}

func TestWriteJSONUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]float64{"p": math.NaN()})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
	if body := decode[remote.ErrorResponse](t, rec); body.Error == "" {
		t.Error("Expected error message in body")
	}
}
