package handlers

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/Brownie44l1/brain-tumor-api/internal/cache"
	"github.com/Brownie44l1/brain-tumor-api/internal/config"
	"github.com/Brownie44l1/brain-tumor-api/internal/metrics"
	"github.com/Brownie44l1/brain-tumor-api/internal/model"
)

type fakePredictor struct {
	mu      sync.Mutex
	scores  []float32
	err     error
	panics  bool
	calls   int
	badData bool
	classes []string
}

func (f *fakePredictor) Meta() model.Metadata {
	return model.Metadata{
		InputName:   "input",
		OutputName:  "output",
		InputShape:  []int64{1, 224, 224, 3},
		OutputShape: []int64{1, 4},
		Classes:     model.ClassNames,
		ImageSize:   224,
		Layout:      model.LayoutNHWC,
	}
}

func (f *fakePredictor) Predict(inputData []float32) (*model.Prediction, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.panics {
		panic("session destroyed")
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(inputData) != 224*224*3 {
		f.badData = true
	}
	for _, v := range inputData {
		if v < 0 || v > 1 {
			f.badData = true
			break
		}
	}
	classes := model.ClassNames
	if f.classes != nil {
		classes = f.classes
	}
	return model.NewPrediction(append([]float32(nil), f.scores...), classes, false)
}

func newTestHandler(t *testing.T, predictor Predictor, mutate func(*config.Config)) (*Handler, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.LogFile = ""
	if mutate != nil {
		mutate(cfg)
	}

	results, err := cache.NewResults(cfg.CacheSize)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	h, err := NewHandler(predictor, cfg, results, metrics.New(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewHandler() failed: %v", err)
	}
	return h, cfg
}

func testImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8((x + y) % 256)
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func jpegBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}
	return buf.Bytes()
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

var gliomaScores = []float32{0.82, 0.08, 0.06, 0.04}

func TestIndex(t *testing.T) {
	h, _ := newTestHandler(t, &fakePredictor{scores: gliomaScores}, nil)

	w := serve(h.Index, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Upload Your MRI Scan") {
		t.Error("upload box missing")
	}
	if !strings.Contains(body, "Running Deep Learning Model") {
		t.Error("loading indicator missing")
	}
	if strings.Contains(body, "Confidence Score") {
		t.Error("result panels must not render before an upload")
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "text/html") {
		t.Errorf("unexpected content type %q", w.Header().Get("Content-Type"))
	}
}

func TestClassifyGliomaJPEG(t *testing.T) {
	predictor := &fakePredictor{scores: gliomaScores}
	h, _ := newTestHandler(t, predictor, nil)

	req := uploadRequest(t, "image", "glioma_sample.jpg", jpegBytes(t, testImage(512, 512)))
	w := serve(h.Classify, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{
		"Glioma Tumor",
		"82.00%",
		"data:image/png;base64,",
		"MRI Scan analyzed successfully!",
		"glioma_sample.jpg",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("response missing %q", want)
		}
	}
	if predictor.badData {
		t.Error("predictor received a tensor of the wrong shape or range")
	}
}

func TestClassifyEachLabel(t *testing.T) {
	tests := []struct {
		scores []float32
		label  string
		pct    string
	}{
		{[]float32{0.1, 0.6, 0.2, 0.1}, "Meningioma Tumor", "60.00%"},
		{[]float32{0.05, 0.05, 0.875, 0.025}, "No Tumor", "87.50%"},
		{[]float32{0, 0, 0, 1}, "Pituitary Tumor", "100.00%"},
	}
	for _, tt := range tests {
		h, _ := newTestHandler(t, &fakePredictor{scores: tt.scores}, nil)
		w := serve(h.Classify, uploadRequest(t, "image", "scan.png", pngBytes(t, testImage(64, 80))))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tt.label, w.Code)
		}
		if !strings.Contains(w.Body.String(), tt.label) || !strings.Contains(w.Body.String(), tt.pct) {
			t.Errorf("expected %s at %s in response", tt.label, tt.pct)
		}
	}
}

func TestClassifyTextRenamedPNG(t *testing.T) {
	predictor := &fakePredictor{scores: gliomaScores}
	h, _ := newTestHandler(t, predictor, nil)

	w := serve(h.Classify, uploadRequest(t, "image", "notes.png", []byte("just some text, not pixels")))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, msgInvalidImage) {
		t.Errorf("expected friendly error, got %s", body)
	}
	if !strings.Contains(body, `name="image"`) {
		t.Error("upload form must still be offered after an error")
	}
	if predictor.calls != 0 {
		t.Error("predictor must not run for an invalid upload")
	}

	// The next upload still works.
	w = serve(h.Classify, uploadRequest(t, "image", "scan.png", pngBytes(t, testImage(100, 100))))
	if w.Code != http.StatusOK {
		t.Fatalf("expected recovery to 200, got %d", w.Code)
	}
}

func TestClassifyRejections(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		filename string
		data     func(t *testing.T) []byte
		message  string
	}{
		{"wrong field", "file", "scan.png", func(t *testing.T) []byte { return pngBytes(t, testImage(64, 64)) }, msgNoFile},
		{"bad extension", "image", "scan.gif", func(t *testing.T) []byte { return pngBytes(t, testImage(64, 64)) }, msgInvalidImage},
		{"no extension", "image", "scan", func(t *testing.T) []byte { return pngBytes(t, testImage(64, 64)) }, msgInvalidImage},
		{"too small", "image", "tiny.png", func(t *testing.T) []byte { return pngBytes(t, testImage(8, 8)) }, msgTooSmall},
		{"degenerate strip", "image", "strip.jpg", func(t *testing.T) []byte { return jpegBytes(t, testImage(1000, 4)) }, msgTooSmall},
	}

	for _, tt := range tests {
		predictor := &fakePredictor{scores: gliomaScores}
		h, _ := newTestHandler(t, predictor, nil)

		w := serve(h.Classify, uploadRequest(t, tt.field, tt.filename, tt.data(t)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tt.name, w.Code)
		}
		if !strings.Contains(w.Body.String(), tt.message) {
			t.Errorf("%s: expected message %q", tt.name, tt.message)
		}
		if predictor.calls != 0 {
			t.Errorf("%s: predictor must not run", tt.name)
		}
	}
}

func TestClassifyUploadTooLarge(t *testing.T) {
	h, _ := newTestHandler(t, &fakePredictor{scores: gliomaScores}, func(c *config.Config) {
		c.MaxUploadBytes = 1024
	})

	w := serve(h.Classify, uploadRequest(t, "image", "big.png", pngBytes(t, testImage(400, 400))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `name="image"`) {
		t.Error("upload form must still be offered")
	}
}

func TestClassifyBodyBeyondOverhead(t *testing.T) {
	h, _ := newTestHandler(t, &fakePredictor{scores: gliomaScores}, func(c *config.Config) {
		c.MaxUploadBytes = 1024
	})

	w := serve(h.Classify, uploadRequest(t, "image", "huge.png", make([]byte, formOverhead+4096)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestClassifyFileAtUploadLimit(t *testing.T) {
	data := pngBytes(t, testImage(64, 64))

	h, _ := newTestHandler(t, &fakePredictor{scores: gliomaScores}, func(c *config.Config) {
		c.MaxUploadBytes = int64(len(data))
	})
	req := uploadRequest(t, "image", "scan.png", data)
	if req.ContentLength <= int64(len(data)) {
		t.Fatalf("multipart body should be larger than the file: %d <= %d", req.ContentLength, len(data))
	}
	w := serve(h.Classify, req)
	if w.Code != http.StatusOK {
		t.Fatalf("file of exactly the limit: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Glioma Tumor") {
		t.Error("prediction missing")
	}

	h, _ = newTestHandler(t, &fakePredictor{scores: gliomaScores}, func(c *config.Config) {
		c.MaxUploadBytes = int64(len(data)) - 1
	})
	w = serve(h.Classify, uploadRequest(t, "image", "scan.png", data))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("file one byte over the limit: expected 413, got %d", w.Code)
	}
}

func TestClassifyPredictorFailure(t *testing.T) {
	for name, predictor := range map[string]*fakePredictor{
		"error": {err: errors.New("inference failed")},
		"panic": {panics: true},
		"foreign label": {
			scores:  gliomaScores,
			classes: []string{"cat", "dog", "bird", "fish"},
		},
	} {
		h, _ := newTestHandler(t, predictor, nil)

		w := serve(h.Classify, uploadRequest(t, "image", "scan.png", pngBytes(t, testImage(64, 64))))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", name, w.Code)
		}
		body := w.Body.String()
		if !strings.Contains(body, msgInternal) {
			t.Errorf("%s: expected user-visible error", name)
		}
		if !strings.Contains(body, `name="image"`) {
			t.Errorf("%s: page must return to the upload state", name)
		}
	}
}

func TestClassifyResultCache(t *testing.T) {
	data := pngBytes(t, testImage(128, 128))

	predictor := &fakePredictor{scores: gliomaScores}
	h, _ := newTestHandler(t, predictor, nil)
	first := serve(h.Classify, uploadRequest(t, "image", "scan.png", data))
	second := serve(h.Classify, uploadRequest(t, "image", "scan.png", data))

	if predictor.calls != 1 {
		t.Errorf("expected one forward pass with the cache on, got %d", predictor.calls)
	}
	if first.Body.String() != second.Body.String() {
		t.Error("cached response differs from the original")
	}

	uncached := &fakePredictor{scores: gliomaScores}
	h, _ = newTestHandler(t, uncached, func(c *config.Config) { c.CacheSize = 0 })
	serve(h.Classify, uploadRequest(t, "image", "scan.png", data))
	serve(h.Classify, uploadRequest(t, "image", "scan.png", data))
	if uncached.calls != 2 {
		t.Errorf("expected two forward passes with the cache off, got %d", uncached.calls)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	data := jpegBytes(t, testImage(300, 200))
	h, _ := newTestHandler(t, &fakePredictor{scores: gliomaScores}, func(c *config.Config) { c.CacheSize = 0 })

	a := serve(h.Classify, uploadRequest(t, "image", "scan.jpg", data))
	b := serve(h.Classify, uploadRequest(t, "image", "scan.jpg", data))
	if a.Body.String() != b.Body.String() {
		t.Error("repeated uploads should render identical results")
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t, &fakePredictor{scores: gliomaScores}, nil)
	w := serve(h.Health, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"healthy"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestNewHandlerBadInterpolation(t *testing.T) {
	cfg := config.Default()
	cfg.Interpolation = "sinc"
	if _, err := NewHandler(&fakePredictor{}, cfg, nil, metrics.New(), zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown interpolation")
	}
}
