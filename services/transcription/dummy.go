package transcriptionsvc

import (
	"context"
	"fmt"

	"github.com/trezcool/tathmini/core/session"
)

type dummyTranscriber struct{}

var _ session.Transcriber = (*dummyTranscriber)(nil) // interface compliance check

// NewDummyTranscriber describes the audio instead of transcribing it, for local runs without an API key.
func NewDummyTranscriber() session.Transcriber {
	return &dummyTranscriber{}
}

func (dummyTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("[offline transcript of %d bytes of audio]", len(audio)), nil
}
