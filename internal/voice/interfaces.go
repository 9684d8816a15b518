// Package voice implements the Voice Pipeline Coordinator:
// mic-gating, STT stream lifecycle, the LLM turn, TTS playback, and the
// ducking handshake. The concrete STT/LLM/TTS vendor clients are out of
// scope; this package defines the narrow interfaces real clients
// and test fakes both satisfy.
package voice

import (
	"context"

	"github.com/cantinaos/cantinaos/internal/schemas"
)

// SpeechRecognizer is a streaming STT session. Start begins a session;
// PushAudio feeds PCM frames; Final returns the final transcription once
// end-of-utterance has been observed internally; Close ends the session.
type SpeechRecognizer interface {
	Start(ctx context.Context) error
	PushAudio(frame []byte) error
	// Final blocks until a final transcription is available or ctx ends.
	Final(ctx context.Context) (schemas.Transcription, error)
	Close() error
}

// DialogModel renders one LLM turn given the final transcription text.
type DialogModel interface {
	Respond(ctx context.Context, text string) (string, error)
}

// Speaker renders text to speech and reports playback completion.
// Speak returns once synthesis has started playing; DurationMs may be
// unknown for streamed TTS.
type Speaker interface {
	Speak(ctx context.Context, text string) (durationMs *int64, err error)
}
