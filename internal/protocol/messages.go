package protocol

import "time"

// Transcript is one recognition result broadcast on the bus. Every captured
// chunk produces exactly one message, partial or final.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
)

// TranscriptSubject returns the subject a transcript is published on.
func TranscriptSubject(partial bool) string {
	if partial {
		return SubjectTranscriptPartial
	}
	return SubjectTranscriptFinal
}
