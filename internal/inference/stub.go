// SPDX-License-Identifier: MIT

package inference

import "math"

// StubEngine produces deterministic scores from a waveform's energy
// without loading a model. It exists so the rest of the pipeline builds,
// links, and has something to exercise in tests without a native ONNX
// Runtime shared library or model file on disk.
type StubEngine struct {
	closed bool
}

// NewStubEngine returns a ready-to-use stub engine.
func NewStubEngine() *StubEngine {
	return &StubEngine{}
}

// Classify computes one energy-derived score per class: class 0 gets the
// waveform's RMS amplitude, every other class gets a small fraction of it.
// This is enough to drive noise-filter and composite-score logic in tests
// without depending on any trained model.
func (e *StubEngine) Classify(waveform []float32) ([]float32, error) {
	if err := validateWaveform(waveform); err != nil {
		return nil, err
	}

	var sumSquares float64
	for _, s := range waveform {
		sumSquares += float64(s) * float64(s)
	}
	rms := math.Sqrt(sumSquares / float64(len(waveform)))

	scores := make([]float32, ScoreCount)
	if len(scores) > 0 {
		scores[0] = float32(math.Min(rms*4, 1))
	}
	for i := 1; i < len(scores); i++ {
		scores[i] = float32(math.Min(rms*0.1, 1))
	}
	return scores, nil
}

// Close is a no-op for the stub engine.
func (e *StubEngine) Close() error {
	e.closed = true
	return nil
}
