package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wire format expected by the streaming endpoint: linear16, 16kHz, mono
const (
	Encoding      = "linear16"
	SampleRate    = 16000
	Channels      = 1
	bytesPerInt16 = 2
	bytesPerFloat = 4
)

// EncodeLinear16 converts normalized float samples to 16-bit signed PCM (little-endian).
// Input: samples nominally in [-1.0, 1.0], 16kHz mono
// Output: 2 bytes per sample
//
// Samples are clamped, scaled by 32767 and truncated toward zero, so -1.0
// becomes -32767 rather than -32768. NaN encodes as silence.
func EncodeLinear16(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerInt16)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerInt16:], uint16(floatToInt16(sample)))
	}
	return out
}

// floatToInt16 scales a single sample; the float-to-int conversion truncates
func floatToInt16(sample float32) int16 {
	if sample != sample { // NaN
		return 0
	}
	if sample > 1.0 {
		sample = 1.0
	} else if sample < -1.0 {
		sample = -1.0
	}
	return int16(sample * 32767.0)
}

// DecodeLinear16 converts 16-bit signed little-endian PCM back to int16 samples.
// DecodeWAV uses it for PCM payloads.
func DecodeLinear16(pcmData []byte) ([]int16, error) {
	if len(pcmData)%bytesPerInt16 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := make([]int16, len(pcmData)/bytesPerInt16)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcmData[i*bytesPerInt16:]))
	}
	return samples, nil
}

// DecodeFloat32LE converts IEEE-754 float32 little-endian bytes to samples.
// This is the format clients push to the gateway.
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%bytesPerFloat != 0 {
		return nil, fmt.Errorf("float32 audio length must be a multiple of %d, got %d", bytesPerFloat, len(data))
	}

	samples := make([]float32, len(data)/bytesPerFloat)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*bytesPerFloat:]))
	}
	return samples, nil
}

// EncodeFloat32LE is the inverse of DecodeFloat32LE
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerFloat)
	for i, sample := range samples {
		binary.LittleEndian.PutUint32(out[i*bytesPerFloat:], math.Float32bits(sample))
	}
	return out
}

// CalculateRMS calculates the root mean square (RMS) of normalized samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// Duration returns the playback length of 16kHz mono samples in seconds
func Duration(sampleCount int) float64 {
	return float64(sampleCount) / float64(SampleRate)
}
