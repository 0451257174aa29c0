package stt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types sent by the streaming service
const (
	messageResults       = "Results"
	messageMetadata      = "Metadata"
	messageSpeechStarted = "SpeechStarted"
	messageUtteranceEnd  = "UtteranceEnd"
	messageError         = "Error"
)

// closeStreamMessage tells the service no more audio follows
var closeStreamMessage = []byte(`{"type": "CloseStream"}`)

// rawResponse is one inbound JSON frame
type rawResponse struct {
	Type         string       `json:"type"`
	ChannelIndex []int        `json:"channel_index,omitempty"`
	Duration     *float64     `json:"duration,omitempty"`
	Start        *float64     `json:"start,omitempty"`
	IsFinal      *bool        `json:"is_final,omitempty"`
	SpeechFinal  *bool        `json:"speech_final,omitempty"`
	Channel      *rawChannel  `json:"channel,omitempty"`
	Metadata     *rawMetadata `json:"metadata,omitempty"`

	// Present on Error messages
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`

	// Top-level on Metadata messages
	RequestID string `json:"request_id,omitempty"`
}

type rawChannel struct {
	Alternatives []rawAlternative `json:"alternatives"`
}

type rawAlternative struct {
	Transcript string   `json:"transcript"`
	Confidence *float64 `json:"confidence,omitempty"`
	Words      []Word   `json:"words,omitempty"`
}

type rawMetadata struct {
	RequestID string `json:"request_id,omitempty"`
	ModelInfo *struct {
		Name    string `json:"name,omitempty"`
		Version string `json:"version,omitempty"`
		Arch    string `json:"arch,omitempty"`
	} `json:"model_info,omitempty"`
	ModelUUID string `json:"model_uuid,omitempty"`
}

// Word is a single recognized word with optional diarization data
type Word struct {
	Word           string  `json:"word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
	Speaker        *int    `json:"speaker,omitempty"`
	PunctuatedWord *string `json:"punctuated_word,omitempty"`
}

// text returns the punctuated form when available
func (w Word) text() string {
	if w.PunctuatedWord != nil {
		return *w.PunctuatedWord
	}
	return w.Word
}

func (w Word) speaker() int {
	if w.Speaker != nil {
		return *w.Speaker
	}
	return 0
}

func decodeResponse(data []byte) (*rawResponse, error) {
	var resp rawResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// ParseResponse converts a raw frame into at most one segment.
// It returns an error only for malformed JSON; frames that carry no
// transcript yield a nil segment.
func ParseResponse(data []byte) (*TranscriptionSegment, error) {
	resp, err := decodeResponse(data)
	if err != nil {
		return nil, err
	}
	return segmentFromResponse(resp), nil
}

func segmentFromResponse(resp *rawResponse) *TranscriptionSegment {
	if resp == nil || resp.Type != messageResults {
		return nil
	}
	if resp.Channel == nil || len(resp.Channel.Alternatives) == 0 {
		return nil
	}

	alt := resp.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return nil
	}

	segment := &TranscriptionSegment{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		IsFinal:    resp.IsFinal != nil && *resp.IsFinal,
		Speakers:   MergeDiarization(alt.Words),
	}

	if resp.Start != nil {
		start := *resp.Start
		end := start
		if resp.Duration != nil {
			end += *resp.Duration
		}
		segment.StartTime = &start
		segment.EndTime = &end
	}

	return segment
}

// MergeDiarization groups consecutive same-speaker words into speaker segments.
// Words without a speaker are attributed to speaker 0. Order is preserved and
// only runs whose text is empty are dropped.
func MergeDiarization(words []Word) []SpeakerSegment {
	if len(words) == 0 {
		return nil
	}

	var segments []SpeakerSegment

	first := words[0]
	current := SpeakerSegment{
		SpeakerID: first.speaker(),
		StartTime: first.Start,
		EndTime:   first.End,
	}
	var text strings.Builder
	text.WriteString(first.text())

	flush := func() {
		current.Text = strings.TrimSpace(text.String())
		if current.Text != "" {
			segments = append(segments, current)
		}
	}

	for _, word := range words[1:] {
		if word.speaker() == current.SpeakerID {
			if text.Len() > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(word.text())
			current.EndTime = word.End
			continue
		}

		flush()
		current = SpeakerSegment{
			SpeakerID: word.speaker(),
			StartTime: word.Start,
			EndTime:   word.End,
		}
		text.Reset()
		text.WriteString(word.text())
	}
	flush()

	return segments
}
