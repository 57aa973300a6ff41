package model

import (
	"errors"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

// Server owns the ONNX Runtime session for the classifier. It is created once
// at startup and is safe for concurrent Predict calls: every call allocates
// its own tensors and the session itself is never mutated after load.
type Server struct {
	session  *ort.DynamicAdvancedSession
	Metadata Metadata
	ownsEnv  bool
}

// NewServer loads the metadata sidecar and the model artifact. libraryPath
// points at the onnxruntime shared library; empty uses the runtime default.
func NewServer(modelPath, metadataPath, libraryPath string) (*Server, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelNotFound, modelPath, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is not a model file", ErrModelNotFound, modelPath)
	}

	ownsEnv := false
	if !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		ownsEnv = true
	}
	release := func() {
		if ownsEnv {
			ort.DestroyEnvironment()
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to inspect ONNX model %s: %w", modelPath, err)
	}
	if err := checkModelIO(metadata, inputs, outputs); err != nil {
		release()
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName}, nil)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to create ONNX session from %s: %w", modelPath, err)
	}

	return &Server{
		session:  session,
		Metadata: metadata,
		ownsEnv:  ownsEnv,
	}, nil
}

// checkModelIO compares the graph's declared input and output against the
// metadata. A negative dimension in the graph is symbolic and matches anything.
func checkModelIO(meta Metadata, inputs, outputs []ort.InputOutputInfo) error {
	if err := matchIO("input", meta.InputName, meta.InputShape, inputs); err != nil {
		return err
	}
	return matchIO("output", meta.OutputName, meta.OutputShape, outputs)
}

func matchIO(kind, name string, shape []int64, infos []ort.InputOutputInfo) error {
	for _, info := range infos {
		if info.Name != name {
			continue
		}
		if len(info.Dimensions) != len(shape) {
			return fmt.Errorf("%w: model %s %q has shape %v, metadata says %v",
				ErrInvalidMetadata, kind, name, []int64(info.Dimensions), shape)
		}
		for i, dim := range info.Dimensions {
			if dim >= 0 && dim != shape[i] {
				return fmt.Errorf("%w: model %s %q has shape %v, metadata says %v",
					ErrInvalidMetadata, kind, name, []int64(info.Dimensions), shape)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: model has no %s named %q", ErrInvalidMetadata, kind, name)
}

// Meta returns the metadata the session was built with.
func (s *Server) Meta() Metadata {
	return s.Metadata
}

// Predict runs one forward pass over a preprocessed tensor.
func (s *Server) Predict(inputData []float32) (*Prediction, error) {
	if want := s.Metadata.InputLen(); len(inputData) != want {
		return nil, fmt.Errorf("expected %d input values, got %d", want, len(inputData))
	}
	if s.session == nil {
		return nil, errors.New("model session is closed")
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(s.Metadata.InputShape...), inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(s.Metadata.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := s.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	scores := append([]float32(nil), outputTensor.GetData()...)
	return NewPrediction(scores, s.Metadata.Classes, s.Metadata.ApplySoftmax)
}

// NewPrediction maps raw model scores onto class names and picks the top one.
func NewPrediction(scores []float32, classes []string, applySoftmax bool) (*Prediction, error) {
	if len(scores) != len(classes) {
		return nil, fmt.Errorf("model returned %d scores for %d classes", len(scores), len(classes))
	}
	if applySoftmax {
		Softmax(scores)
	}

	maxIdx := ArgMax(scores)
	predictions := make(map[string]float32, len(classes))
	for i, val := range scores {
		predictions[classes[i]] = val
	}

	return &Prediction{
		Class:         classes[maxIdx],
		Confidence:    scores[maxIdx],
		Probabilities: predictions,
	}, nil
}

// Close releases the session, and the runtime environment if NewServer
// created it.
func (s *Server) Close() {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.ownsEnv {
		ort.DestroyEnvironment()
		s.ownsEnv = false
	}
}
