//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/mirip/internal/models"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig describes an image feature-extraction model exported to ONNX. The model takes a
// float tensor [1, 3, InputSize, InputSize] and produces [1, Dimensions].
type ONNXConfig struct {
	ModelPath         string
	SharedLibraryPath string
	InputSize         int
	Dimensions        int
	InputName         string
	OutputName        string
}

// ONNXEmbedder uses ONNX Runtime to produce image embeddings. It requires CGO and the onnxruntime shared library.
type ONNXEmbedder struct {
	session      *ort.AdvancedSession
	inputSize    int
	dimensions   int
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	// one session with preallocated tensors; runs are serialized
	mu sync.Mutex
}

// NewONNXEmbedder creates an ONNX embedder. The runtime environment is initialized on first use.
func NewONNXEmbedder(cfg ONNXConfig) (*ONNXEmbedder, error) {
	if cfg.InputSize <= 0 || cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("input size and dimensions must be positive")
	}
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}
	if !ort.IsInitialized() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	size := int64(cfg.InputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Dimensions)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXEmbedder{
		session:      session,
		inputSize:    cfg.InputSize,
		dimensions:   cfg.Dimensions,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Embed decodes the image at path and returns the raw model output.
func (e *ONNXEmbedder) Embed(ctx context.Context, path string) ([]float32, error) {
	img, _, err := DecodeFile(path)
	if err != nil {
		return nil, &models.ExtractionError{Path: path, Err: err}
	}
	pixels := Preprocess(img, e.inputSize)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, &models.ExtractionError{Path: path, Err: fmt.Errorf("embedder closed")}
	}

	copy(e.inputTensor.GetData(), pixels)
	if err := e.session.Run(); err != nil {
		return nil, &models.ExtractionError{Path: path, Err: fmt.Errorf("inference failed: %w", err)}
	}
	embedding := make([]float32, e.dimensions)
	copy(embedding, e.outputTensor.GetData())
	return embedding, nil
}

// Dimensions returns the native embedding dimension.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Close destroys the session and tensors.
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.inputTensor != nil {
		_ = e.inputTensor.Destroy()
		e.inputTensor = nil
	}
	if e.outputTensor != nil {
		_ = e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	return err
}
