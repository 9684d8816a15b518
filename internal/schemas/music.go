package schemas

// MusicAction enumerates the verbs accepted on /music/command.
type MusicAction string

const (
	MusicPlay   MusicAction = "play"
	MusicPause  MusicAction = "pause"
	MusicResume MusicAction = "resume"
	MusicStop   MusicAction = "stop"
	MusicNext   MusicAction = "next"
	MusicQueue  MusicAction = "queue"
	MusicVolume MusicAction = "volume"
)

// MusicCommand is the payload of /music/command. A single discriminator
// (Action) drives exhaustive matching in the engine.
type MusicCommand struct {
	Action      MusicAction `json:"action" validate:"required,oneof=play pause resume stop next queue volume"`
	TrackName   string      `json:"track_name,omitempty"`
	TrackID     string      `json:"track_id,omitempty"`
	VolumeLevel *float64    `json:"volume_level,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// LibraryUpdatedPayload is the body of /music/library_updated.
type LibraryUpdatedPayload struct {
	Tracks []Track `json:"tracks"`
}

// PlaybackStartedPayload is the body of /music/playback_started.
type PlaybackStartedPayload struct {
	Track          Track    `json:"track"`
	StartWallClock float64  `json:"start_wall_clock"`
	DurationSec    *float64 `json:"duration_sec"`
}

// PlaybackPausedPayload is the body of /music/playback_paused.
type PlaybackPausedPayload struct {
	PausedAtPositionSec float64 `json:"paused_at_position_sec"`
}

// PlaybackResumedPayload is the body of /music/playback_resumed.
type PlaybackResumedPayload struct {
	ResumePositionSec float64 `json:"resume_position_sec"`
	StartWallClock    float64 `json:"start_wall_clock"`
}

// ProgressPayload is the body of /music/progress.
type ProgressPayload struct {
	PositionSec float64  `json:"position_sec"`
	DurationSec *float64 `json:"duration_sec"`
	ProgressPct *float64 `json:"progress_pct"`
}

// QueueUpdatedPayload is the body of /music/queue_updated.
type QueueUpdatedPayload struct {
	Length    int    `json:"length"`
	NextTrack *Track `json:"next_track,omitempty"`
}

// CrossfadeStartedPayload is the body of /music/crossfade_started.
type CrossfadeStartedPayload struct {
	From       Track `json:"from"`
	To         Track `json:"to"`
	DurationMs int64 `json:"duration_ms"`
}

// DJAction enumerates the verbs accepted on /dj/command.
type DJAction string

const (
	DJStart          DJAction = "start"
	DJStop           DJAction = "stop"
	DJNext           DJAction = "next"
	DJUpdateSettings DJAction = "update_settings"
)

// DJCommand is the payload of /dj/command. update_settings mutates a
// running session's auto_transition/crossfade_sec in place; it is a no-op
// without an active session.
type DJCommand struct {
	Action         DJAction `json:"action" validate:"required,oneof=start stop next update_settings"`
	AutoTransition bool     `json:"auto_transition,omitempty"`
	IntervalSec    int      `json:"interval_sec,omitempty"`
	CrossfadeSec   int      `json:"crossfade_sec,omitempty"`
}

// DJQueueUpdatePayload is the body of /dj/queue_update.
type DJQueueUpdatePayload struct {
	NextTrack Track `json:"next_track"`
}

// DJCommentaryRequestPayload is the body of /dj/commentary_request.
type DJCommentaryRequestPayload struct {
	PrevTrack Track `json:"prev_track"`
	NextTrack Track `json:"next_track"`
}

// DJCommentaryReadyPayload is the body of /dj/commentary_ready.
type DJCommentaryReadyPayload struct {
	AudioRef   string `json:"audio_ref"`
	DurationMs int64  `json:"duration_ms"`
}

// DJTransitionPayload is the body of /dj/transition.
type DJTransitionPayload struct {
	Prev           Track `json:"prev"`
	Next           Track `json:"next"`
	WithCommentary bool  `json:"with_commentary"`
}

// VoiceAction enumerates the verbs accepted from web bridge voice commands.
type VoiceAction string

const (
	VoiceStart VoiceAction = "start"
	VoiceStop  VoiceAction = "stop"
)

// VoiceCommand is the bridge-level voice command payload.
type VoiceCommand struct {
	Action VoiceAction `json:"action" validate:"required,oneof=start stop"`
}

// VoiceResponseTextPayload is the body of /voice/response_text.
type VoiceResponseTextPayload struct {
	Text string `json:"text"`
}

// SpeechStartedPayload is the body of /voice/speech_started.
type SpeechStartedPayload struct {
	DurationMs *int64 `json:"duration_ms,omitempty"`
}

// VoiceErrorStage enumerates /voice/error.stage values.
type VoiceErrorStage string

const (
	StageSTT VoiceErrorStage = "stt"
	StageLLM VoiceErrorStage = "llm"
	StageTTS VoiceErrorStage = "tts"
)

// VoiceErrorPayload is the body of /voice/error.
type VoiceErrorPayload struct {
	Stage VoiceErrorStage `json:"stage"`
}

// TranscriptionPayload is the body of /voice/transcription.
type TranscriptionPayload struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

// SystemAction enumerates the verbs accepted from web bridge system commands.
type SystemAction string

const (
	SystemSetMode       SystemAction = "set_mode"
	SystemRestart       SystemAction = "restart_system"
	SystemRefreshStatus SystemAction = "refresh_status"
)

// SystemCommand is the bridge-level system command payload.
type SystemCommand struct {
	Action SystemAction `json:"action" validate:"required,oneof=set_mode restart_system refresh_status"`
	Mode   Mode         `json:"mode,omitempty" validate:"omitempty,oneof=IDLE AMBIENT INTERACTIVE"`
}

// DJBridgeCommand is the bridge-level DJ command payload. Its fields mirror
// DJCommand plus a couple of web-only knobs (transition_duration) that have
// no bus-side equivalent yet.
type DJBridgeCommand struct {
	Action             string `json:"action" validate:"required,oneof=start stop next update_settings"`
	AutoTransition      *bool `json:"auto_transition,omitempty"`
	TransitionDuration  *int  `json:"transition_duration,omitempty"`
	CrossfadeDuration   *int  `json:"crossfade_duration,omitempty"`
}

// LEDPattern enumerates the single-byte pattern commands.
type LEDPattern byte

const (
	LEDIdle     LEDPattern = 'I'
	LEDSpeaking LEDPattern = 'S'
	LEDThinking LEDPattern = 'T'
	LEDListening LEDPattern = 'L'
	LEDEngaged  LEDPattern = 'E'
	LEDHappy    LEDPattern = 'H'
	LEDSad      LEDPattern = 'D'
	LEDAngry    LEDPattern = 'A'
	LEDReset    LEDPattern = 'R'
)

// LEDCommand is the payload of /leds/command. Exactly one of Pattern,
// Brightness, or Reset is set.
type LEDCommand struct {
	Pattern    *LEDPattern `json:"pattern,omitempty"`
	Brightness *int        `json:"brightness,omitempty"`
	Reset      bool        `json:"reset,omitempty"`
}

// LogEntryPayload is the body of /log/entry.
type LogEntryPayload struct {
	Timestamp float64 `json:"timestamp"`
	Level     string  `json:"level"`
	Logger    string  `json:"logger"`
	Message   string  `json:"message"`
}
