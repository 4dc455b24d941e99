// Package transcriptionsvc turns recorded answers into text.
package transcriptionsvc

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"

	"github.com/trezcool/tathmini/core/session"
)

// TranscribeFunc sends one transcription request and returns its text.
type TranscribeFunc func(ctx context.Context, params openai.AudioTranscriptionNewParams) (string, error)

type whisperTranscriber struct {
	create TranscribeFunc
	model  string
}

var _ session.Transcriber = (*whisperTranscriber)(nil) // interface compliance check

func NewWhisperTranscriber(create TranscribeFunc, model string) (session.Transcriber, error) {
	if create == nil {
		return nil, errors.New("transcription client is required")
	}
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &whisperTranscriber{create: create, model: model}, nil
}

func NewWhisperTranscriberFromAPIKey(apiKey, model string) (session.Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return NewWhisperTranscriber(func(ctx context.Context, params openai.AudioTranscriptionNewParams) (string, error) {
		res, err := client.Audio.Transcriptions.New(ctx, params)
		if err != nil {
			return "", err
		}
		return res.Text, nil
	}, model)
}

func (t *whisperTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("no audio to transcribe")
	}
	text, err := t.create(ctx, openai.AudioTranscriptionNewParams{
		File:  newAudioFile(audio),
		Model: openai.AudioModel(t.model),
	})
	if err != nil {
		return "", errors.Wrap(err, "openai transcription")
	}
	return strings.TrimSpace(text), nil
}

// audioFile names the upload after its sniffed format; the API infers the codec from the extension.
type audioFile struct {
	*bytes.Reader
	name        string
	contentType string
}

func newAudioFile(audio []byte) *audioFile {
	name, ct := "answer.wav", "audio/wav"
	switch http.DetectContentType(audio) {
	case "video/webm":
		name, ct = "answer.webm", "audio/webm"
	case "audio/mpeg":
		name, ct = "answer.mp3", "audio/mpeg"
	case "application/ogg":
		name, ct = "answer.ogg", "audio/ogg"
	}
	return &audioFile{Reader: bytes.NewReader(audio), name: name, contentType: ct}
}

func (f *audioFile) Filename() string    { return f.name }
func (f *audioFile) Name() string        { return f.name }
func (f *audioFile) ContentType() string { return f.contentType }
