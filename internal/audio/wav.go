package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const wavFormatPCM = 1

// wavFormat is the body of a RIFF "fmt " chunk
type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// IsWAV reports whether data starts with a RIFF/WAVE header
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV reads a 16-bit PCM mono WAV file recorded at SampleRate and
// returns normalized float samples. Chunks other than "fmt " and "data"
// are skipped.
func DecodeWAV(data []byte) ([]float32, error) {
	if !IsWAV(data) {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}

	var (
		format    *wavFormat
		pcm       []byte
		offset    = 12
		chunkHead = 8
	)
	for offset+chunkHead <= len(data) && pcm == nil {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + chunkHead
		if size < 0 || body+size > len(data) {
			// Streaming writers leave the data size unset; take what is there
			if id == "data" {
				size = len(data) - body
			} else {
				return nil, fmt.Errorf("invalid WAV file: chunk %q overruns file", id)
			}
		}

		switch id {
		case "fmt ":
			var f wavFormat
			if err := binary.Read(bytes.NewReader(data[body:body+size]), binary.LittleEndian, &f); err != nil {
				return nil, fmt.Errorf("failed to read WAV format chunk: %w", err)
			}
			format = &f
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word aligned
		offset = body + size + size%2
	}

	if format == nil {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if pcm == nil {
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if format.AudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", format.AudioFormat)
	}
	if format.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", format.BitsPerSample)
	}
	if format.NumChannels != Channels {
		return nil, fmt.Errorf("unsupported channel count: %d (only mono is supported)", format.NumChannels)
	}
	if format.SampleRate != SampleRate {
		return nil, fmt.Errorf("unsupported sample rate: %d (expected %d)", format.SampleRate, SampleRate)
	}

	ints, err := DecodeLinear16(pcm[:len(pcm)-len(pcm)%bytesPerInt16])
	if err != nil {
		return nil, err
	}
	samples := make([]float32, len(ints))
	for i, v := range ints {
		samples[i] = float32(v) / 32767.0
	}
	return samples, nil
}
