//go:build onnx

// SPDX-License-Identifier: MIT

package inference

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortInitOnce ensures the ONNX Runtime environment is initialized exactly
// once per process; ortInitErr is cached so later NewONNXEngine calls
// surface the same failure instead of silently reusing a dead environment.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// ONNXEngine runs the acoustic classifier via ONNX Runtime. The model is
// expected to take a single [1, WaveformLen] float32 input named "waveform"
// and produce a single [1, ScoreCount] float32 output named "scores"; this
// is the fixed contract spec.md §2 treats as opaque.
type ONNXEngine struct {
	session *ort.AdvancedSession

	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewONNXEngine loads modelPath and allocates the input/output tensors.
func NewONNXEngine(modelPath string) (Engine, error) {
	ortInitOnce.Do(func() {
		libPath, err := resolveORTLibPath()
		if err != nil {
			ortInitErr = fmt.Errorf("resolve ORT lib: %w", err)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("inference: %w", ortInitErr)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, WaveformLen))
	if err != nil {
		return nil, fmt.Errorf("inference: create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, ScoreCount))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("inference: create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"waveform"},
		[]string{"scores"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("inference: create session: %w", err)
	}

	return &ONNXEngine{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Classify runs one forward pass, returning a freshly allocated score
// slice (the output tensor's backing array is reused across calls).
func (e *ONNXEngine) Classify(waveform []float32) ([]float32, error) {
	if err := validateWaveform(waveform); err != nil {
		return nil, err
	}

	copy(e.inputTensor.GetData(), waveform)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceInvalid, err)
	}

	scores := make([]float32, ScoreCount)
	copy(scores, e.outputTensor.GetData())
	return scores, nil
}

// Close releases the session and tensors. Safe to call more than once.
func (e *ONNXEngine) Close() error {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
		e.inputTensor = nil
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	return nil
}

// NativeAvailable reports that the ONNX Runtime backend is compiled in.
func NativeAvailable() bool { return true }
