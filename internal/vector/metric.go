package vector

import (
	"fmt"
	"math"
	"strings"
)

// Metric is the distance function used by an index.
type Metric string

const (
	// MetricL2 is squared Euclidean distance.
	MetricL2 Metric = "L2"
	// MetricCosine is 1 - cosine similarity.
	MetricCosine Metric = "COSINE"
)

// ParseMetric parses a metric name case-insensitively. Empty selects MetricL2.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToUpper(strings.TrimSpace(s))) {
	case MetricL2, "":
		return MetricL2, nil
	case MetricCosine:
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("unknown metric: %s (supported: L2, COSINE)", s)
	}
}

// Distance returns the distance between a and b under m. Vectors must have equal length.
func (m Metric) Distance(a, b []float32) float64 {
	if m == MetricCosine {
		na, nb := L2Norm(a), L2Norm(b)
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - InnerProduct(a, b)/(na*nb)
	}
	return SquaredL2(a, b)
}

// SquaredL2 returns the squared Euclidean distance between a and b.
func SquaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// InnerProduct returns the inner product of two vectors (for normalized vectors equals cosine similarity).
func InnerProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
