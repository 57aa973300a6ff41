package handlers

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"image"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/nfnt/resize"
	"go.uber.org/zap"

	"github.com/Brownie44l1/brain-tumor-api/internal/cache"
	"github.com/Brownie44l1/brain-tumor-api/internal/config"
	"github.com/Brownie44l1/brain-tumor-api/internal/metrics"
	"github.com/Brownie44l1/brain-tumor-api/internal/model"
	"github.com/Brownie44l1/brain-tumor-api/internal/preprocess"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

const (
	msgNoFile       = "Please choose an MRI image to upload."
	msgInvalidImage = "Please upload a valid image (JPG or PNG)."
	msgTooSmall     = "The image is too small to analyze. Please upload a larger MRI scan."
	msgTooLarge     = "The image is too large. Please upload a smaller file."
	msgInternal     = "Something went wrong while analyzing the scan. Please try again."
)

// formOverhead is the room left in the request body for multipart
// boundaries and part headers around a file of MaxUploadBytes.
const formOverhead = 1 << 20

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Predictor is the part of the model server the page needs.
type Predictor interface {
	Predict(inputData []float32) (*model.Prediction, error)
	Meta() model.Metadata
}

type Handler struct {
	predictor Predictor
	cfg       *config.Config
	interp    resize.InterpolationFunction
	results   *cache.Results
	metrics   *metrics.Collectors
	log       *zap.Logger
	page      *template.Template
}

type resultView struct {
	Filename   string
	Preview    template.URL
	Label      string
	Confidence string
}

type pageData struct {
	MaxUploadMB int64
	Error       string
	Result      *resultView
}

func NewHandler(predictor Predictor, cfg *config.Config, results *cache.Results, m *metrics.Collectors, log *zap.Logger) (*Handler, error) {
	interp, err := preprocess.ParseInterpolation(cfg.Interpolation)
	if err != nil {
		return nil, err
	}

	page, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse page template: %w", err)
	}

	return &Handler{
		predictor: predictor,
		cfg:       cfg,
		interp:    interp,
		results:   results,
		metrics:   m,
		log:       log,
		page:      page,
	}, nil
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// Index renders the page in its "awaiting upload" state.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, pageData{})
}

// Classify handles an upload from the page and renders the result panels,
// or the upload form with an error message.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+formOverhead)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.reject(w, r, http.StatusRequestEntityTooLarge, "too_large", msgTooLarge, err)
			return
		}
		h.reject(w, r, http.StatusBadRequest, "bad_form", msgNoFile, err)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.reject(w, r, http.StatusBadRequest, "missing_file", msgNoFile, err)
		return
	}
	defer file.Close()

	if header.Size > h.cfg.MaxUploadBytes {
		h.reject(w, r, http.StatusRequestEntityTooLarge, "too_large", msgTooLarge,
			fmt.Errorf("file is %d bytes, limit is %d", header.Size, h.cfg.MaxUploadBytes))
		return
	}

	if !allowedExtensions[strings.ToLower(filepath.Ext(header.Filename))] {
		h.reject(w, r, http.StatusBadRequest, "bad_extension", msgInvalidImage,
			fmt.Errorf("extension of %q not allowed", header.Filename))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.reject(w, r, http.StatusBadRequest, "read_failed", msgInvalidImage, err)
		return
	}

	h.log.Debug("received file",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("filename", header.Filename),
		zap.Int("bytes", len(data)))

	img, format, err := preprocess.Decode(data, h.cfg.MaxImagePixels)
	if err != nil {
		if errors.Is(err, preprocess.ErrImageTooLarge) {
			h.reject(w, r, http.StatusBadRequest, "too_many_pixels", msgTooLarge, err)
			return
		}
		h.reject(w, r, http.StatusBadRequest, "invalid_image", msgInvalidImage, err)
		return
	}

	if err := preprocess.Validate(img, h.cfg.MinImageSide); err != nil {
		h.reject(w, r, http.StatusBadRequest, "too_small", msgTooSmall, err)
		return
	}

	preview, err := preprocess.Preview(img, h.cfg.PreviewSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	key := cache.Key(data)
	pred, ok := h.results.Get(key)
	if ok {
		h.metrics.CacheHits.Inc()
	} else {
		start := time.Now()
		pred, err = h.infer(img)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.metrics.InferenceDuration.Observe(time.Since(start).Seconds())
		h.results.Add(key, pred)
	}
	h.metrics.Predictions.WithLabelValues(pred.Class).Inc()

	h.log.Info("scan classified",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()),
		zap.String("class", pred.Class),
		zap.Float32("confidence", pred.Confidence),
		zap.Bool("cached", ok))

	h.render(w, r, http.StatusOK, pageData{
		Result: &resultView{
			Filename:   header.Filename,
			Preview:    template.URL(preview),
			Label:      model.DisplayLabel(pred.Class),
			Confidence: model.FormatConfidence(pred.Percent()),
		},
	})
}

// infer preprocesses img for the loaded model and runs it. A panic inside
// the runtime is turned into an error so the page can still be rendered.
func (h *Handler) infer(img image.Image) (pred *model.Prediction, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("inference panicked: %v", rec)
		}
	}()

	meta := h.predictor.Meta()
	inputData, err := preprocess.ToTensor(img, meta.ImageSize, meta.Layout, h.interp)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess image: %w", err)
	}

	pred, err = h.predictor.Predict(inputData)
	if err != nil {
		return nil, err
	}
	if !knownClass(model.ClassNames, pred.Class) {
		return nil, fmt.Errorf("model returned unknown class %q", pred.Class)
	}
	return pred, nil
}

func knownClass(classes []string, class string) bool {
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, status int, reason, message string, err error) {
	h.metrics.Rejections.WithLabelValues(reason).Inc()
	h.log.Warn("upload rejected",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("reason", reason),
		zap.Error(err))
	h.render(w, r, status, pageData{Error: message})
}

// Panicked renders the page error view for a request whose handler panicked.
func (h *Handler) Panicked(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusInternalServerError, pageData{Error: msgInternal})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("classification failed",
		zap.String("request_id", RequestID(r.Context())),
		zap.Error(err))
	h.render(w, r, http.StatusInternalServerError, pageData{Error: msgInternal})
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, data pageData) {
	data.MaxUploadMB = h.cfg.MaxUploadBytes >> 20

	var buf bytes.Buffer
	if err := h.page.Execute(&buf, data); err != nil {
		h.log.Error("failed to render page",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
