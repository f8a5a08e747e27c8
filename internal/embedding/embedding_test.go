package embedding

import (
	"context"
	"math"
	"testing"
)

func TestLocalEmbedDeterministic(t *testing.T) {
	e, err := NewLocal(128)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	ctx := context.Background()

	a, err := e.Embed(ctx, "Reduce MTTR below ten minutes")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	b, err := e.Embed(ctx, "Reduce MTTR below ten minutes")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(a) != 128 {
		t.Fatalf("vector length = %d, want 128", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %f vs %f", i, a[i], b[i])
		}
	}
	if sim := Cosine(a, b); math.Abs(sim-1) > 1e-6 {
		t.Errorf("self-similarity = %f, want 1", sim)
	}
}

func TestLocalEmbedNormalized(t *testing.T) {
	e, _ := NewLocal(64)
	vec, err := e.Embed(context.Background(), "the quarterly incident response goals")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("squared norm = %f, want 1", norm)
	}
}

func TestSimilarTextRanksAboveUnrelated(t *testing.T) {
	e, _ := NewLocal(256)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "reduce mean time to recovery below 10 minutes")
	near, _ := e.Embed(ctx, "we must reduce mean time to recovery under 10 minutes")
	far, _ := e.Embed(ctx, "the cafeteria menu rotates on thursdays")

	simNear := Cosine(base, near)
	simFar := Cosine(base, far)
	if simNear <= simFar {
		t.Errorf("near similarity %f should exceed unrelated %f", simNear, simFar)
	}
	if simNear < 0.5 {
		t.Errorf("near-duplicate similarity = %f, suspiciously low", simNear)
	}
}

func TestEmbedEmptyText(t *testing.T) {
	e, _ := NewLocal(32)
	vec, err := e.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed(\"\") error = %v", err)
	}
	for _, v := range vec {
		if v != 0 {
			t.Fatal("empty text should embed to the zero vector")
		}
	}
	if Cosine(vec, vec) != 0 {
		t.Error("zero vector self-similarity should be 0")
	}
}

func TestCosineMismatchedLengths(t *testing.T) {
	if sim := Cosine([]float32{1, 0}, []float32{1, 0, 0}); sim != 0 {
		t.Errorf("Cosine() across dimensions = %f, want 0", sim)
	}
}

func TestNewLocalRejectsTinyDims(t *testing.T) {
	if _, err := NewLocal(4); err == nil {
		t.Fatal("NewLocal(4) should fail")
	}
}

func TestTextHashStable(t *testing.T) {
	if TextHash("a") != TextHash("a") {
		t.Error("TextHash not stable")
	}
	if TextHash("a") == TextHash("b") {
		t.Error("TextHash collision on trivial inputs")
	}
}
