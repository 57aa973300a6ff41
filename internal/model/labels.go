package model

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ClassNames is the label order the classifier was trained with.
var ClassNames = []string{
	"glioma_tumor",
	"meningioma_tumor",
	"no_tumor",
	"pituitary_tumor",
}

// DisplayLabel turns "glioma_tumor" into "Glioma Tumor".
func DisplayLabel(class string) string {
	// Casers keep state, so each call gets its own.
	return cases.Title(language.English).String(strings.ReplaceAll(class, "_", " "))
}

// FormatConfidence renders a percentage with exactly two decimals.
func FormatConfidence(pct float64) string {
	if math.IsNaN(pct) || pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return fmt.Sprintf("%.2f%%", pct)
}

// ArgMax returns the index of the first maximal value, or -1 for an empty slice.
func ArgMax(values []float32) int {
	if len(values) == 0 {
		return -1
	}
	maxIdx := 0
	maxVal := values[0]
	for i, val := range values[1:] {
		if val > maxVal {
			maxVal = val
			maxIdx = i + 1
		}
	}
	return maxIdx
}

// Softmax converts logits to probabilities in place.
func Softmax(values []float32) {
	if len(values) == 0 {
		return
	}
	maxVal := values[ArgMax(values)]
	var sum float64
	for i, v := range values {
		e := math.Exp(float64(v - maxVal))
		values[i] = float32(e)
		sum += e
	}
	for i := range values {
		values[i] = float32(float64(values[i]) / sum)
	}
}
