package transcribe

import "context"

// Event is one transcript fragment from the provider. Partial fragments are
// unstable previews; final fragments are committed verbatim.
type Event struct {
	Text    string
	IsFinal bool
}

// Stream is a duplex streaming transcription connection for one listening
// turn. The events channel is closed when the provider side ends, so turn
// teardown can drain it deterministically.
type Stream interface {
	SendAudio(ctx context.Context, pcm []byte) error
	CloseSend(ctx context.Context) error
	Events() <-chan Event
	Close() error
}

// Provider opens streaming sessions and transcribes sealed WAV blobs for the
// fallback path.
type Provider interface {
	StartStream(ctx context.Context) (Stream, error)
	TranscribeFile(ctx context.Context, wav []byte) (string, error)
}
