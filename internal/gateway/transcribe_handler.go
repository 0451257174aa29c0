package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/lexiqai/stt-gateway/internal/audio"
	"github.com/lexiqai/stt-gateway/internal/observability"
	"github.com/lexiqai/stt-gateway/internal/stt"
)

// maxTranscribeBody bounds single-shot uploads (about 17 minutes of float32 audio)
const maxTranscribeBody = 64 << 20

// ErrorResponse is the JSON body of a failed request
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

// HandleTranscribe serves single-shot transcription of a float32 LE or WAV body
func HandleTranscribe(provider stt.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = observability.NewCorrelationID()
		}
		w.Header().Set("X-Request-ID", requestID)

		logger := observability.WithCorrelationID(requestID).
			With().
			Str("component", "gateway.transcribe").
			Logger()

		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
			return
		}

		if !provider.IsModelLoaded(r.Context()) {
			writeError(w, http.StatusServiceUnavailable, provider.Name()+" is not configured", requestID)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTranscribeBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large", requestID)
				return
			}
			writeError(w, http.StatusBadRequest, "failed to read request body", requestID)
			return
		}

		samples, err := decodeBody(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), requestID)
			return
		}

		language := r.URL.Query().Get("language")
		logger.Info().
			Int("samples", len(samples)).
			Float64("duration_seconds", audio.Duration(len(samples))).
			Str("language", language).
			Msg("Transcription requested")

		result, err := provider.Transcribe(r.Context(), samples, language)
		if err != nil {
			var tooShort *stt.AudioTooShortError
			switch {
			case errors.As(err, &tooShort):
				writeError(w, http.StatusBadRequest, err.Error(), requestID)
			case stt.IsEngineError(err):
				logger.Error().Err(err).Msg("Transcription failed")
				writeError(w, http.StatusBadGateway, err.Error(), requestID)
			default:
				logger.Error().Err(err).Msg("Transcription failed")
				writeError(w, http.StatusInternalServerError, err.Error(), requestID)
			}
			return
		}

		logger.Info().
			Bool("partial", result.IsPartial).
			Int("text_length", len(result.Text)).
			Msg("Transcription completed")
		writeJSON(w, http.StatusOK, result)
	}
}

// decodeBody accepts a 16kHz mono WAV upload or raw float32 LE samples
func decodeBody(body []byte) ([]float32, error) {
	if audio.IsWAV(body) {
		return audio.DecodeWAV(body)
	}
	return audio.DecodeFloat32LE(body)
}

func writeError(w http.ResponseWriter, status int, message, requestID string) {
	writeJSON(w, status, ErrorResponse{Error: message, RequestID: requestID})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
