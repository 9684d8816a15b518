package voice

import (
	"context"
	"errors"

	"github.com/cantinaos/cantinaos/internal/schemas"
)

type fakeRecognizer struct {
	startErr error
	final    schemas.Transcription
	finalErr error
}

func (f *fakeRecognizer) Start(ctx context.Context) error { return f.startErr }
func (f *fakeRecognizer) PushAudio(frame []byte) error    { return nil }
func (f *fakeRecognizer) Final(ctx context.Context) (schemas.Transcription, error) {
	return f.final, f.finalErr
}
func (f *fakeRecognizer) Close() error { return nil }

type fakeModel struct {
	response string
	err      error
}

func (f *fakeModel) Respond(ctx context.Context, text string) (string, error) {
	return f.response, f.err
}

type fakeSpeaker struct {
	durationMs *int64
	err        error
}

func (f *fakeSpeaker) Speak(ctx context.Context, text string) (*int64, error) {
	return f.durationMs, f.err
}

var errFakeSTT = errors.New("fake stt failure")

// blockingRecognizer's Final blocks until its context is canceled, the way a
// real streaming STT client would wait on the wire until told to stop.
type blockingRecognizer struct {
	startedCh chan struct{}
}

func (f *blockingRecognizer) Start(ctx context.Context) error {
	if f.startedCh != nil {
		close(f.startedCh)
	}
	return nil
}
func (f *blockingRecognizer) PushAudio(frame []byte) error { return nil }
func (f *blockingRecognizer) Final(ctx context.Context) (schemas.Transcription, error) {
	<-ctx.Done()
	return schemas.Transcription{}, ctx.Err()
}
func (f *blockingRecognizer) Close() error { return nil }
