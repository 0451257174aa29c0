package stt

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStreaming is returned when a session or provider is already active
	ErrAlreadyStreaming = errors.New("already streaming")

	// ErrNotConnected is returned when audio or control messages are sent without a live session
	ErrNotConnected = errors.New("not connected")
)

// MinimumSamples is the shortest buffer worth a round trip (0.1s at 16kHz)
const MinimumSamples = 1600

// ConnectError reports a failed handshake or transport setup
type ConnectError struct {
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect failed: %s: %v", e.Reason, e.Err)
	}
	return "connect failed: " + e.Reason
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// AudioTooShortError rejects buffers below MinimumSamples
type AudioTooShortError struct {
	Samples int
	Minimum int
}

func (e *AudioTooShortError) Error() string {
	return fmt.Sprintf("audio too short: %d samples, minimum %d", e.Samples, e.Minimum)
}

// EngineError wraps any failure during single-shot transcription
type EngineError struct {
	Detail string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcription engine failed: %s: %v", e.Detail, e.Err)
	}
	return "transcription engine failed: " + e.Detail
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsAudioTooShort reports whether err is an AudioTooShortError
func IsAudioTooShort(err error) bool {
	var tooShort *AudioTooShortError
	return errors.As(err, &tooShort)
}

// IsEngineError reports whether err is an EngineError
func IsEngineError(err error) bool {
	var engineErr *EngineError
	return errors.As(err, &engineErr)
}
