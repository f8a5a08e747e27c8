// Package embedding provides the vector engine behind semantic dedup.
//
// The pipeline only needs "how close is this text to that block", so the
// default engine is a local feature-hashing model: deterministic, fast,
// and dependency-free. Deployments with a real embedding service can swap
// the Embedder; everything downstream speaks cosine similarity either way.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// TextHash returns the cache/storage key for a text's embedding.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Cosine returns the cosine similarity of two vectors in [-1, 1], or 0
// when either vector is empty or zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Local is a deterministic feature-hashing embedder. Tokens and adjacent
// token pairs are hashed into buckets with a signed trick to decorrelate
// collisions; the result is L2-normalized.
type Local struct {
	dims int
}

// NewLocal creates a local embedder with the given dimensionality.
func NewLocal(dims int) (*Local, error) {
	if dims < 8 {
		return nil, fmt.Errorf("embedding dimensions must be >= 8, got %d", dims)
	}
	return &Local{dims: dims}, nil
}

// Dimensions returns the vector width.
func (l *Local) Dimensions() int { return l.dims }

// Embed vectorizes text. The zero vector is returned for empty input.
func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, l.dims)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec, nil
	}
	for i, tok := range tokens {
		l.add(vec, tok, 1)
		if i+1 < len(tokens) {
			// Bigrams catch phrasing, weighted below unigrams so minor
			// reordering still reads as similar.
			l.add(vec, tok+" "+tokens[i+1], 0.5)
		}
	}
	normalize(vec)
	return vec, nil
}

func (l *Local) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(l.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[bucket] += weight
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
}
