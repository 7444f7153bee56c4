package transcribe

import (
	"context"
	"errors"

	"github.com/innercircle/echovoice/internal/reliability"
)

// PlaceholderTranscript is the fixed text substituted when no transcription
// credential is configured. It is deliberately bracketed so tests and users
// can tell it apart from real speech.
const PlaceholderTranscript = "[voice captured, transcription not configured]"

// PlaceholderProvider is the degraded offline/demo mode: streaming is never
// available and every upload resolves to the fixed placeholder.
type PlaceholderProvider struct{}

func NewPlaceholderProvider() *PlaceholderProvider { return &PlaceholderProvider{} }

func (p *PlaceholderProvider) StartStream(context.Context) (Stream, error) {
	return nil, reliability.Wrap(reliability.KindProviderUnavailable, "", errors.New("no transcription credential configured"))
}

func (p *PlaceholderProvider) TranscribeFile(_ context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", nil
	}
	return PlaceholderTranscript, nil
}
