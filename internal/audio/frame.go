package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	SampleRate     = 16000
	Channels       = 1
	BitsPerSample  = 16
	bytesPerSample = BitsPerSample / 8
)

var (
	// ErrCaptureUnavailable means the capture session could not be opened or was denied.
	ErrCaptureUnavailable = errors.New("capture unavailable")
	// ErrUpstreamStopped means the capture session was ended by an external actor.
	// It is a normal termination, not a failure.
	ErrUpstreamStopped = errors.New("capture stopped upstream")
)

// Format is the PCM layout exchanged between capture and recognition.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 16 kHz, mono, signed 16-bit little endian.
func DefaultFormat() Format {
	return Format{SampleRate: SampleRate, Channels: Channels, BitsPerSample: BitsPerSample}
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", f.Channels)
	}
	if f.BitsPerSample != BitsPerSample {
		return fmt.Errorf("only %d-bit PCM is supported, got %d", BitsPerSample, f.BitsPerSample)
	}
	return nil
}

// BytesPerSecond of audio in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// FrameBytes returns the byte length holding ms milliseconds of audio, aligned to whole samples.
func (f Format) FrameBytes(ms int) int {
	align := f.Channels * f.BitsPerSample / 8
	n := f.BytesPerSecond() * ms / 1000
	return n - n%align
}

// Frame is one fixed-length chunk of PCM produced by a Source.
// PCM must not be modified once the frame has been handed off.
type Frame struct {
	Seq uint64
	PCM []byte
}

func (f Frame) Len() int {
	return len(f.PCM)
}

// Samples decodes the frame as little-endian int16 samples.
func (f Frame) Samples() []int16 {
	out := make([]int16, len(f.PCM)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(f.PCM[i*bytesPerSample:]))
	}
	return out
}

// EncodeSamples writes samples into buf as little-endian PCM and returns the bytes written.
func EncodeSamples(buf []byte, samples []int16) int {
	n := len(buf) / bytesPerSample
	if n > len(samples) {
		n = len(samples)
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*bytesPerSample:], uint16(samples[i]))
	}
	return n * bytesPerSample
}
