package vector

import (
	"math"
	"testing"
)

const tol = 1e-6

func TestNormalize_Dimension(t *testing.T) {
	for _, n := range []int{0, 1, 3, 8, 9, 100} {
		raw := make([]float32, n)
		for i := range raw {
			raw[i] = float32(i + 1)
		}
		out := Normalize(raw, 8)
		if len(out) != 8 {
			t.Errorf("len(raw)=%d: got %d components, want 8", n, len(out))
		}
	}
}

func TestNormalize_PadAndTruncate(t *testing.T) {
	padded := Normalize([]float32{3, 4}, 4)
	want := []float32{0.6, 0.8, 0, 0}
	for i := range want {
		if math.Abs(float64(padded[i]-want[i])) > tol {
			t.Fatalf("padded = %v, want %v", padded, want)
		}
	}

	truncated := Normalize([]float32{0, 3, 4, 0, 0}, 2)
	if len(truncated) != 2 || truncated[0] != 0 || math.Abs(float64(truncated[1])-0.6) > tol {
		t.Fatalf("truncated = %v", truncated)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	raw := []float32{0.5, -1.25, 2, 0.1}
	once := Normalize(raw, 4)
	twice := Normalize(once, 4)
	for i := range once {
		if math.Abs(float64(once[i]-twice[i])) > tol {
			t.Fatalf("not idempotent: %v vs %v", once, twice)
		}
	}
	if math.Abs(L2Norm(once)-1) > tol {
		t.Errorf("norm = %v, want 1", L2Norm(once))
	}
}

func TestNormalize_ZeroVector(t *testing.T) {
	out := Normalize(make([]float32, 3), 5)
	if len(out) != 5 {
		t.Fatalf("len = %d", len(out))
	}
	for _, v := range out {
		if v != 0 || math.IsNaN(float64(v)) {
			t.Fatalf("zero vector changed: %v", out)
		}
	}
}

func TestNormalize_DoesNotModifyInput(t *testing.T) {
	raw := []float32{3, 4}
	_ = Normalize(raw, 2)
	if raw[0] != 3 || raw[1] != 4 {
		t.Errorf("input modified: %v", raw)
	}
}

func TestMetric(t *testing.T) {
	m, err := ParseMetric("l2")
	if err != nil || m != MetricL2 {
		t.Fatalf("ParseMetric(l2) = %v, %v", m, err)
	}
	if m, _ := ParseMetric(""); m != MetricL2 {
		t.Errorf("empty should default to L2, got %s", m)
	}
	if _, err := ParseMetric("hamming"); err == nil {
		t.Error("expected error for unknown metric")
	}
	if d := MetricL2.Distance([]float32{1, 0}, []float32{0, 1}); math.Abs(d-2) > tol {
		t.Errorf("squared L2 = %v, want 2", d)
	}
	if d := MetricCosine.Distance([]float32{1, 0}, []float32{2, 0}); math.Abs(d) > tol {
		t.Errorf("cosine distance of parallel vectors = %v", d)
	}
	if d := MetricCosine.Distance([]float32{0, 0}, []float32{1, 0}); d != 1 {
		t.Errorf("cosine distance with zero vector = %v, want 1", d)
	}
}
