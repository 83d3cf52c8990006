// SPDX-License-Identifier: MIT

// Package frame assembles a continuous little-endian s16le mono 16 kHz PCM
// byte stream into fixed-size waveforms ready for the inference engine.
package frame

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Samples is the number of float32 samples per assembled waveform
// (975 ms at 16 kHz).
const Samples = 15600

// Bytes is the number of raw PCM bytes one waveform is decoded from
// (2 bytes per s16le sample).
const Bytes = Samples * 2

// ErrDecoderExited is returned by Run when the underlying reader reaches
// EOF — the decoder subprocess has exited.
var ErrDecoderExited = errors.New("frame: decoder stream ended")

// Assembler accumulates raw PCM bytes and emits waveforms whenever the
// buffer reaches exactly Bytes bytes. Sample boundaries are preserved
// across Feed calls: a sample never straddles two emitted waveforms.
type Assembler struct {
	buf []byte
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{buf: make([]byte, 0, Bytes)}
}

// Feed appends chunk to the accumulation buffer and returns every waveform
// completed as a result (zero, one, or more — large chunks can complete
// more than one frame at once).
func (a *Assembler) Feed(chunk []byte) [][]float32 {
	a.buf = append(a.buf, chunk...)

	var frames [][]float32
	for len(a.buf) >= Bytes {
		frames = append(frames, decode(a.buf[:Bytes]))
		a.buf = a.buf[Bytes:]
	}

	if len(a.buf) == 0 {
		a.buf = a.buf[:0]
	} else {
		// Compact so the backing array doesn't grow unbounded across the
		// life of a long-running stream.
		rem := make([]byte, len(a.buf), Bytes)
		copy(rem, a.buf)
		a.buf = rem
	}

	return frames
}

// Pending returns the number of accumulated bytes not yet forming a
// complete frame — what gets discarded if the stream ends now.
func (a *Assembler) Pending() int {
	return len(a.buf)
}

func decode(b []byte) []float32 {
	out := make([]float32, Samples)
	for i := 0; i < Samples; i++ {
		v := int16(binary.LittleEndian.Uint16(b[2*i : 2*i+2]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// Run reads from r until ctx is done, the reader errors, or it reaches
// EOF, feeding every chunk to an Assembler and invoking onFrame once per
// completed waveform in arrival order.
//
// Go's stdout pipes block on Read until data arrives or the pipe closes,
// so unlike the non-blocking-with-retry read loop this was modeled on,
// Run never needs to poll: a blocked Read is unblocked by the decoder
// writing, exiting, or the caller closing the pipe on shutdown. Any
// partial frame left in the assembler when the stream ends is discarded,
// matching spec.md §4.1.
func Run(ctx context.Context, r io.Reader, onFrame func(waveform []float32) error) error {
	a := NewAssembler()
	chunk := make([]byte, 32*1024)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := r.Read(chunk)
		if n > 0 {
			for _, wf := range a.Feed(chunk[:n]) {
				if cbErr := onFrame(wf); cbErr != nil {
					return cbErr
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("%w (discarded %d trailing bytes)", ErrDecoderExited, a.Pending())
			}
			return fmt.Errorf("frame: read: %w", err)
		}
	}
}
