package stt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/stt-gateway/internal/config"
	"github.com/lexiqai/stt-gateway/internal/observability"
)

// ProviderName is the display name of the Deepgram backend
const ProviderName = "Deepgram"

// fallbackModel is the general model that supports non-English languages
const fallbackModel = "nova-2"

// englishOnlyModels only transcribe English
var englishOnlyModels = map[string]bool{
	"nova-2-meeting":          true,
	"nova-2-phonecall":        true,
	"nova-2-conversationalai": true,
	"nova-2-voicemail":        true,
	"nova-2-video":            true,
	"nova-2-medical":          true,
	"nova-2-finance":          true,
	"nova-3":                  true,
	"nova-3-medical":          true,
}

// ModelForLanguage returns the model to request for language.
// English, "multi" and an absent language keep the configured model; other
// languages move English-only models to the general nova-2 model.
func ModelForLanguage(model, language string) string {
	lang := strings.ToLower(language)
	if lang == "" || strings.HasPrefix(lang, "en") || lang == "multi" {
		return model
	}
	if englishOnlyModels[model] {
		return fallbackModel
	}
	return model
}

// stream is one live streaming session owned by the provider
type stream struct {
	session  Session
	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{} // closed when the session's segment channel closes
}

func (s *stream) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// DeepgramProvider transcribes through Deepgram's streaming API.
// It serves single-shot requests and at most one live stream at a time.
type DeepgramProvider struct {
	base              SessionConfig
	transcribeTimeout time.Duration
	newSession        SessionFactory
	logger            zerolog.Logger

	mu        sync.Mutex
	streaming bool
	gen       uint64 // bumped by every start and stop
	active    *stream
	buffer    []TranscriptionSegment
}

// NewDeepgramProvider creates a provider from service config.
// A nil factory selects the transport named by cfg.STTTransport.
func NewDeepgramProvider(cfg *config.Config, factory SessionFactory) *DeepgramProvider {
	if factory == nil {
		opts := ConnectionOptionsFromConfig(cfg)
		if cfg.STTTransport == config.TransportSDK {
			factory = NewSDKSessionFactory(opts)
		} else {
			factory = NewConnectionFactory(opts)
		}
	}

	return &DeepgramProvider{
		base:              SessionConfigFromConfig(cfg),
		transcribeTimeout: cfg.TranscribeTimeoutDuration(),
		newSession:        factory,
		logger: observability.ComponentLogger("stt.provider").With().
			Str("provider", ProviderName).
			Logger(),
	}
}

// Name returns the provider's display name
func (p *DeepgramProvider) Name() string {
	return ProviderName
}

// CurrentModel returns the configured model
func (p *DeepgramProvider) CurrentModel() string {
	return p.base.Model
}

// IsModelLoaded reports whether an API key is configured; the model itself is remote
func (p *DeepgramProvider) IsModelLoaded(ctx context.Context) bool {
	return p.base.APIKey != ""
}

func (p *DeepgramProvider) sessionConfig(model, language string, interim bool) SessionConfig {
	sc := p.base
	sc.Model = model
	sc.Language = language
	sc.InterimResults = interim
	return sc
}

// StartStreaming opens a live session and returns its segment channel.
// Only one stream may be active; the flag is released if the connect fails.
func (p *DeepgramProvider) StartStreaming(ctx context.Context, language string) (<-chan TranscriptionSegment, error) {
	p.mu.Lock()
	if p.streaming {
		p.mu.Unlock()
		return nil, ErrAlreadyStreaming
	}
	p.streaming = true
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	session := p.newSession(p.sessionConfig(p.base.Model, language, true))
	segments, err := session.Connect(ctx)
	if err != nil {
		p.mu.Lock()
		if p.gen == gen {
			p.streaming = false
		}
		p.mu.Unlock()
		return nil, err
	}

	st := &stream{
		session:  session,
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	out := make(chan TranscriptionSegment, cap(segments))

	p.mu.Lock()
	if p.gen != gen {
		// StopStreaming, and possibly another start, ran while connecting
		p.mu.Unlock()
		session.Disconnect()
		return nil, ErrNotConnected
	}
	p.active = st
	p.buffer = nil
	p.mu.Unlock()

	go p.forward(st, segments, out)

	p.logger.Info().Str("language", language).Msg("Deepgram streaming session started")
	return out, nil
}

// forward records final segments and relays every segment to the caller
func (p *DeepgramProvider) forward(st *stream, segments <-chan TranscriptionSegment, out chan<- TranscriptionSegment) {
	defer close(out)
	defer close(st.finished)

	for segment := range segments {
		if segment.IsFinal {
			p.mu.Lock()
			if p.active == st {
				p.buffer = append(p.buffer, segment)
			}
			p.mu.Unlock()
		}

		select {
		case out <- segment:
		case <-st.stop:
			return
		}
	}
}

// SendAudioStream sends samples on the active stream
func (p *DeepgramProvider) SendAudioStream(samples []float32) error {
	p.mu.Lock()
	st := p.active
	p.mu.Unlock()

	if st == nil {
		return ErrNotConnected
	}
	return st.session.SendAudio(samples)
}

// StreamingTranscript returns the final text received on the active stream so far
func (p *DeepgramProvider) StreamingTranscript() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b transcriptBuilder
	for _, segment := range p.buffer {
		b.add(segment)
	}
	return b.String()
}

// FinishStreaming signals end of audio, waits for trailing results and
// returns the accumulated transcript before stopping the stream
func (p *DeepgramProvider) FinishStreaming(ctx context.Context) (string, error) {
	p.mu.Lock()
	st := p.active
	p.mu.Unlock()

	if st == nil {
		return "", ErrNotConnected
	}

	if err := st.session.SignalEndOfAudio(); err != nil && !errors.Is(err, ErrNotConnected) {
		p.StopStreaming()
		return "", err
	}

	timer := time.NewTimer(p.transcribeTimeout)
	defer timer.Stop()

	select {
	case <-st.finished:
	case <-timer.C:
		p.logger.Warn().Dur("timeout", p.transcribeTimeout).Msg("Timed out waiting for trailing results")
	case <-ctx.Done():
	}

	transcript := p.StreamingTranscript()
	p.StopStreaming()
	return transcript, nil
}

// StopStreaming disconnects the active stream and clears buffered results
func (p *DeepgramProvider) StopStreaming() {
	p.mu.Lock()
	st := p.active
	p.active = nil
	p.streaming = false
	p.gen++
	p.buffer = nil
	p.mu.Unlock()

	if st != nil {
		st.session.Disconnect()
		st.halt()
		p.logger.Info().Msg("Deepgram streaming session stopped")
	}
}

// IsStreaming reports whether a stream is active
func (p *DeepgramProvider) IsStreaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming
}

// Transcribe connects, sends the whole buffer and waits for final results
func (p *DeepgramProvider) Transcribe(ctx context.Context, samples []float32, language string) (*TranscriptResult, error) {
	started := time.Now()
	result, err := p.transcribe(ctx, samples, language)
	observability.RecordTranscribe(transcribeOutcome(result, err), started)
	return result, err
}

func transcribeOutcome(result *TranscriptResult, err error) string {
	switch {
	case err == nil && result.IsPartial:
		return "partial"
	case err == nil:
		return "success"
	case IsAudioTooShort(err):
		return "too_short"
	default:
		return "error"
	}
}

func (p *DeepgramProvider) transcribe(ctx context.Context, samples []float32, language string) (*TranscriptResult, error) {
	p.logger.Debug().
		Int("samples", len(samples)).
		Str("language", language).
		Msg("Transcribe called")

	if p.base.APIKey == "" {
		return nil, &EngineError{Detail: "Deepgram API key not configured"}
	}

	if len(samples) < MinimumSamples {
		return nil, &AudioTooShortError{Samples: len(samples), Minimum: MinimumSamples}
	}

	model := ModelForLanguage(p.base.Model, language)
	if model != p.base.Model {
		lang := language
		if lang == "" {
			lang = "auto"
		}
		p.logger.Info().
			Str("model", model).
			Str("configured_model", p.base.Model).
			Str("language", lang).
			Msg("Using general model for non-English language")
	}

	session := p.newSession(p.sessionConfig(model, language, false))
	segments, err := session.Connect(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to connect to Deepgram")
		return nil, &EngineError{Detail: "connect", Err: err}
	}
	defer session.Disconnect()

	if err := session.SendAudio(samples); err != nil {
		p.logger.Error().Err(err).Msg("Failed to send audio to Deepgram")
		return nil, &EngineError{Detail: "send audio", Err: err}
	}

	p.logger.Debug().Msg("Signaling end of audio stream to Deepgram")
	if err := session.SignalEndOfAudio(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to signal end of audio")
	}

	var b transcriptBuilder
	closed := p.collect(ctx, segments, &b)

	if b.empty() {
		if err := ctx.Err(); err != nil {
			return nil, &EngineError{Detail: "no transcription results received", Err: err}
		}
		return nil, &EngineError{Detail: "no transcription results received"}
	}

	return &TranscriptResult{
		Text:       b.String(),
		Confidence: b.confidence,
		IsPartial:  !closed,
	}, nil
}

// collect drains final segments until the channel closes, the timeout fires or
// ctx is done. It reports whether the channel closed; a close that is already
// pending when the deadline fires still counts.
func (p *DeepgramProvider) collect(ctx context.Context, segments <-chan TranscriptionSegment, b *transcriptBuilder) bool {
	timer := time.NewTimer(p.transcribeTimeout)
	defer timer.Stop()

	p.logger.Debug().Msg("Waiting for transcription results from Deepgram")

	received := 0
	accept := func(segment TranscriptionSegment) {
		received++
		p.logger.Debug().
			Int("segment", received).
			Bool("is_final", segment.IsFinal).
			Str("text", truncate(segment.Text, 50)).
			Msg("Received segment")
		if segment.IsFinal {
			b.add(segment)
		}
	}

	for {
		select {
		case segment, ok := <-segments:
			if !ok {
				p.logger.Debug().Int("segments", received).Msg("Receiver channel closed")
				return true
			}
			accept(segment)

		case <-timer.C:
			if drainPending(segments, accept) {
				return true
			}
			p.logger.Warn().Dur("timeout", p.transcribeTimeout).Msg("Transcription timed out")
			return false

		case <-ctx.Done():
			if drainPending(segments, accept) {
				return true
			}
			p.logger.Warn().Err(ctx.Err()).Msg("Transcription cancelled")
			return false
		}
	}
}

// drainPending consumes segments that are ready without blocking and reports
// whether the channel was closed
func drainPending(segments <-chan TranscriptionSegment, accept func(TranscriptionSegment)) bool {
	for {
		select {
		case segment, ok := <-segments:
			if !ok {
				return true
			}
			accept(segment)
		default:
			return false
		}
	}
}
