package webbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/schemas"
)

type fakeLister struct {
	tracks []schemas.Track
}

func (f *fakeLister) Tracks() []schemas.Track { return f.tracks }

func testBridgeConfig() Config {
	return Config{
		ListenAddr:         "127.0.0.1:0",
		ClientSendQueue:    8,
		HTTPRateLimitRPS:   1000,
		CORSAllowedOrigins: []string{"*"},
	}
}

func startBridge(t *testing.T, lister TrackLister) (*Bridge, *bus.Bus, context.CancelFunc) {
	t.Helper()
	b := bus.New()
	br := New(b, zerolog.Nop(), testBridgeConfig(), lister)
	ctx, cancel := context.WithCancel(context.Background())
	go br.Serve(ctx)
	require.Eventually(t, func() bool { return br.State() == schemas.StateRunning }, time.Second, time.Millisecond)
	return br, b, cancel
}

func TestDispatchMusicCommandEmitsOnBus(t *testing.T) {
	br, b, cancel := startBridge(t, &fakeLister{})
	defer cancel()

	got := make(chan schemas.MusicCommand, 1)
	b.Subscribe(schemas.TopicMusicCommand, "test", func(e bus.Event) {
		got <- e.Payload.(schemas.MusicCommand)
	}, nil)

	payload, _ := json.Marshal(schemas.MusicCommand{Action: schemas.MusicPlay, TrackName: "jazz"})
	reply := br.dispatch(VerbMusic, "cmd-1", payload)

	assert.True(t, reply.Success)
	assert.Equal(t, "cmd-1", reply.CommandID)
	select {
	case cmd := <-got:
		assert.Equal(t, schemas.MusicPlay, cmd.Action)
		assert.Equal(t, "jazz", cmd.TrackName)
	case <-time.After(time.Second):
		t.Fatal("expected music command on bus")
	}
}

func TestDispatchRejectsInvalidMusicCommand(t *testing.T) {
	br, _, cancel := startBridge(t, &fakeLister{})
	defer cancel()

	payload, _ := json.Marshal(map[string]any{"action": "not-a-verb"})
	reply := br.dispatch(VerbMusic, "cmd-2", payload)

	assert.False(t, reply.Success)
	assert.Equal(t, string(schemas.ErrValidation), reply.ErrorCode)
	assert.NotEmpty(t, reply.Errors)
}

func TestDispatchUnknownVerb(t *testing.T) {
	br, _, cancel := startBridge(t, &fakeLister{})
	defer cancel()

	reply := br.dispatch(Verb("bogus"), "cmd-3", json.RawMessage(`{}`))

	assert.False(t, reply.Success)
	assert.Equal(t, string(schemas.ErrUnknown), reply.ErrorCode)
}

func TestDispatchSystemSetModeEmitsModeRequest(t *testing.T) {
	br, b, cancel := startBridge(t, &fakeLister{})
	defer cancel()

	got := make(chan schemas.SetModeRequestPayload, 1)
	b.Subscribe(schemas.TopicSetModeRequest, "test", func(e bus.Event) {
		got <- e.Payload.(schemas.SetModeRequestPayload)
	}, nil)

	payload, _ := json.Marshal(schemas.SystemCommand{Action: schemas.SystemSetMode, Mode: schemas.ModeInteractive})
	reply := br.dispatch(VerbSystem, "cmd-4", payload)

	assert.True(t, reply.Success)
	select {
	case req := <-got:
		assert.Equal(t, schemas.ModeInteractive, req.Target)
	case <-time.After(time.Second):
		t.Fatal("expected set_mode_request on bus")
	}
}

func TestDispatchDJStartTranslatesToDJCommand(t *testing.T) {
	br, b, cancel := startBridge(t, &fakeLister{})
	defer cancel()

	got := make(chan schemas.DJCommand, 1)
	b.Subscribe(schemas.TopicDJCommand, "test", func(e bus.Event) {
		got <- e.Payload.(schemas.DJCommand)
	}, nil)

	auto := true
	payload, _ := json.Marshal(schemas.DJBridgeCommand{Action: "start", AutoTransition: &auto})
	reply := br.dispatch(VerbDJ, "cmd-5", payload)

	assert.True(t, reply.Success)
	select {
	case cmd := <-got:
		assert.Equal(t, schemas.DJStart, cmd.Action)
		assert.True(t, cmd.AutoTransition)
	case <-time.After(time.Second):
		t.Fatal("expected dj command on bus")
	}
}

func TestDispatchDJUpdateSettingsDoesNotAliasToStart(t *testing.T) {
	br, b, cancel := startBridge(t, &fakeLister{})
	defer cancel()

	got := make(chan schemas.DJCommand, 1)
	b.Subscribe(schemas.TopicDJCommand, "test", func(e bus.Event) {
		got <- e.Payload.(schemas.DJCommand)
	}, nil)

	auto := false
	crossfade := 3
	payload, _ := json.Marshal(schemas.DJBridgeCommand{
		Action: "update_settings", AutoTransition: &auto, CrossfadeDuration: &crossfade,
	})
	reply := br.dispatch(VerbDJ, "cmd-6", payload)

	assert.True(t, reply.Success)
	select {
	case cmd := <-got:
		assert.Equal(t, schemas.DJUpdateSettings, cmd.Action)
		assert.False(t, cmd.AutoTransition)
		assert.Equal(t, 3, cmd.CrossfadeSec)
	case <-time.After(time.Second):
		t.Fatal("expected dj update_settings command on bus")
	}
}

func TestEventsTaggedWebSourceAreNotReEchoed(t *testing.T) {
	br, b, cancel := startBridge(t, &fakeLister{})
	defer cancel()

	c := newTestClient(br.hub, 1)
	br.hub.register <- c
	require.Eventually(t, func() bool { return br.hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	b.EmitFrom(schemas.TopicSystemError, string(schemas.SourceWeb), schemas.SystemErrorPayload{Message: "from dashboard"})
	b.Emit(schemas.TopicSystemError, schemas.SystemErrorPayload{Message: "from elsewhere"})

	select {
	case evt := <-c.send:
		payload := evt.Data.(schemas.SystemErrorPayload)
		assert.Equal(t, "from elsewhere", payload.Message)
	case <-time.After(time.Second):
		t.Fatal("expected exactly the non-web-sourced event to be mirrored")
	}

	select {
	case evt := <-c.send:
		t.Fatalf("did not expect a second mirrored event, got %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleLibraryReturnsWireShapedTracks(t *testing.T) {
	dur := 123.4
	lister := &fakeLister{tracks: []schemas.Track{
		{TrackID: "t1", Title: "Song", Artist: "Artist", DurationSeconds: &dur, FilePath: "/lib/song.mp3"},
	}}
	br, _, cancel := startBridge(t, lister)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/music/library", nil)
	rec := httptest.NewRecorder()
	br.handleLibrary(rec, req)

	var body struct {
		Tracks []libraryTrack `json:"tracks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tracks, 1)
	assert.Equal(t, "t1", body.Tracks[0].ID)
	assert.Equal(t, "/lib/song.mp3", body.Tracks[0].File)
}

func TestHandleHealthzReportsCachedServiceStates(t *testing.T) {
	br, _, cancel := startBridge(t, &fakeLister{})
	defer cancel()

	br.mu.Lock()
	br.statusCache[schemas.StatusTopic("music_engine")] = schemas.StatusPayload{State: schemas.StateRunning}
	br.mu.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	br.handleHealthz(rec, req)

	var body struct {
		OK       bool                             `json:"ok"`
		Services map[string]schemas.ServiceState `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Equal(t, schemas.StateRunning, body.Services["music_engine"])
}
