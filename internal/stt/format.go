package stt

import (
	"fmt"
	"strings"
)

// FormatSegmentWithSpeakers renders one "[Speaker N]: text" line per speaker turn,
// or the plain transcript when the segment has no diarization data
func FormatSegmentWithSpeakers(segment TranscriptionSegment) string {
	if len(segment.Speakers) == 0 {
		return segment.Text
	}

	lines := make([]string, 0, len(segment.Speakers))
	for _, speaker := range segment.Speakers {
		lines = append(lines, fmt.Sprintf("[Speaker %d]: %s", speaker.SpeakerID, speaker.Text))
	}
	return strings.Join(lines, "\n")
}

// FormatTimestamp renders seconds as MM:SS, or HH:MM:SS past the first hour
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	hours := total / 3600
	minutes := (total % 3600) / 60
	secs := total % 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}

// transcriptBuilder accumulates final segments into display text.
// Diarized turns go on their own lines; plain segments are joined by spaces.
type transcriptBuilder struct {
	text       strings.Builder
	confidence *float64
	segments   int
}

func (b *transcriptBuilder) add(segment TranscriptionSegment) {
	if len(segment.Speakers) > 0 {
		for _, speaker := range segment.Speakers {
			if b.text.Len() > 0 {
				b.text.WriteByte('\n')
			}
			fmt.Fprintf(&b.text, "[Speaker %d]: %s", speaker.SpeakerID, speaker.Text)
		}
	} else {
		if b.text.Len() > 0 {
			b.text.WriteByte(' ')
		}
		b.text.WriteString(segment.Text)
	}
	b.confidence = segment.Confidence
	b.segments++
}

func (b *transcriptBuilder) empty() bool {
	return b.text.Len() == 0
}

func (b *transcriptBuilder) String() string {
	return strings.TrimSpace(b.text.String())
}
