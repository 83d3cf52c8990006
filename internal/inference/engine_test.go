// SPDX-License-Identifier: MIT

package inference

import (
	"errors"
	"testing"
)

func TestStubEngine_Classify_WrongLength(t *testing.T) {
	e := NewStubEngine()
	_, err := e.Classify(make([]float32, 100))
	if !errors.Is(err, ErrInferenceInvalid) {
		t.Fatalf("err = %v, want ErrInferenceInvalid", err)
	}
}

func TestStubEngine_Classify_Shape(t *testing.T) {
	e := NewStubEngine()
	waveform := make([]float32, WaveformLen)
	for i := range waveform {
		waveform[i] = 0.5
	}

	scores, err := e.Classify(waveform)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(scores) != ScoreCount {
		t.Fatalf("len(scores) = %d, want %d", len(scores), ScoreCount)
	}
	for i, s := range scores {
		if s < 0 || s > 1 {
			t.Fatalf("scores[%d] = %v, out of [0,1]", i, s)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestNewEngine_FallsBackToStubWithoutOnnxTag(t *testing.T) {
	eng, err := NewEngine("/nonexistent/model.onnx")
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	defer eng.Close()

	if NativeAvailable() {
		t.Skip("built with onnx tag, stub fallback not exercised")
	}
	if _, ok := eng.(*StubEngine); !ok {
		t.Fatalf("NewEngine() = %T, want *StubEngine", eng)
	}
}
