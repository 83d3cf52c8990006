// SPDX-License-Identifier: MIT

// Package inference wraps the acoustic classifier as an opaque engine with
// a fixed input/output contract: a 15 600-sample mono waveform in, a
// 521-element class score vector out. The concrete backend (ONNX Runtime)
// is swapped in by the "onnx" build tag; without it, NewEngine falls back
// to a deterministic stub so the rest of the pipeline builds and tests
// without a native shared library present.
package inference

import (
	"errors"
	"fmt"
)

// WaveformLen is the number of float32 samples one inference call expects.
const WaveformLen = 15600

// ScoreCount is the number of class scores one inference call produces.
const ScoreCount = 521

// ErrInferenceInvalid is returned when the waveform presented to Classify
// is not exactly WaveformLen samples, or the underlying engine fails.
var ErrInferenceInvalid = errors.New("inference: invalid waveform or engine failure")

// Engine is the opaque acoustic classifier contract. Each Stream Worker
// holds its own Engine instance (spec.md §5): implementations need not be
// safe for concurrent use by multiple callers.
type Engine interface {
	// Classify scores a waveform of exactly WaveformLen samples in [-1,1]
	// against the fixed class taxonomy, returning ScoreCount scores in
	// [0,1] ordered by class index.
	Classify(waveform []float32) ([]float32, error)

	// Close releases any native resources held by the engine.
	Close() error
}

// validateWaveform is shared by every Engine implementation so a wrong
// length is reported identically regardless of backend.
func validateWaveform(waveform []float32) error {
	if len(waveform) != WaveformLen {
		return fmt.Errorf("%w: waveform has %d samples, want %d", ErrInferenceInvalid, len(waveform), WaveformLen)
	}
	return nil
}

// NewEngine constructs the best available engine for modelPath: the ONNX
// Runtime backend when the binary was built with the "onnx" tag, or a
// deterministic stub otherwise.
func NewEngine(modelPath string) (Engine, error) {
	if NativeAvailable() {
		return NewONNXEngine(modelPath)
	}
	return NewStubEngine(), nil
}
