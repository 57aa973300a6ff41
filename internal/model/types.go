package model

// Layouts for the model input tensor.
const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

// Metadata describes the exported model. It is read from a JSON file that
// sits next to the .onnx artifact.
type Metadata struct {
	InputName    string   `json:"input_name"`
	OutputName   string   `json:"output_name"`
	InputShape   []int64  `json:"input_shape"`
	OutputShape  []int64  `json:"output_shape"`
	Classes      []string `json:"classes"`
	ImageSize    int      `json:"image_size"`
	Layout       string   `json:"layout"`
	ApplySoftmax bool     `json:"apply_softmax"`
}

// Prediction is the outcome of a single forward pass.
type Prediction struct {
	Class         string             `json:"class"`
	Confidence    float32            `json:"confidence"`
	Probabilities map[string]float32 `json:"probabilities"`
}

// Percent returns the confidence scaled to [0,100].
func (p *Prediction) Percent() float64 {
	pct := float64(p.Confidence) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
