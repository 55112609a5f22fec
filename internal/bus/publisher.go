package bus

import (
	"context"

	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/transcribe"
)

// TranscriptPublisher forwards every transcript to the bus on the partial or
// final subject.
type TranscriptPublisher struct {
	client *Client
}

func NewTranscriptPublisher(client *Client) *TranscriptPublisher {
	return &TranscriptPublisher{client: client}
}

func (p *TranscriptPublisher) Name() string { return "nats" }

func (p *TranscriptPublisher) Emit(_ context.Context, t transcribe.Transcript) error {
	msg := protocol.Transcript{
		SessionID: t.SessionID,
		Sequence:  t.Sequence,
		Text:      t.Text,
		Partial:   t.Partial(),
		Timestamp: t.Timestamp,
	}
	return p.client.PublishJSON(protocol.TranscriptSubject(msg.Partial), msg)
}
