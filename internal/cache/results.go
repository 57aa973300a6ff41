package cache

import (
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Brownie44l1/brain-tumor-api/internal/model"
)

// Results remembers recent predictions by upload digest. Inference is
// deterministic for a loaded model, so a repeated upload can skip the
// forward pass. A nil *Results is a valid, always-missing cache.
type Results struct {
	entries *lru.Cache[string, model.Prediction]
}

// NewResults returns a cache holding up to size predictions, or nil when
// size is zero.
func NewResults(size int) (*Results, error) {
	if size <= 0 {
		return nil, nil
	}
	entries, err := lru.New[string, model.Prediction](size)
	if err != nil {
		return nil, err
	}
	return &Results{entries: entries}, nil
}

// Key returns the digest used to index an upload.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (r *Results) Get(key string) (*model.Prediction, bool) {
	if r == nil {
		return nil, false
	}
	pred, ok := r.entries.Get(key)
	if !ok {
		return nil, false
	}
	return &pred, true
}

func (r *Results) Add(key string, pred *model.Prediction) {
	if r == nil || pred == nil {
		return
	}
	r.entries.Add(key, *pred)
}

func (r *Results) Len() int {
	if r == nil {
		return 0
	}
	return r.entries.Len()
}
