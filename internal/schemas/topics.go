// Package schemas holds the typed event payloads and command envelopes
// exchanged over the bus. Every topic in the contract-bearing set has a
// corresponding Go type here; handlers type-assert the payload they expect
// instead of walking a map.
package schemas

// Topic name constants for the contract-bearing event set.
const (
	TopicModeChange       = "/system/mode_change"
	TopicModeTransition   = "/system/mode_transition"
	TopicSetModeRequest   = "/system/set_mode_request"
	TopicShutdownRequest  = "/system/shutdown_requested"
	TopicSystemError      = "/system/error"
	TopicStatusPrefix     = "/status/"
	TopicServiceStatusReq = "/system/status_request"

	TopicMicStartRequest   = "/mic/start_request"
	TopicMicStopRequest    = "/mic/stop_request"
	TopicListeningStarted  = "/voice/listening_started"
	TopicListeningStopped  = "/voice/listening_stopped"
	TopicTranscription     = "/voice/transcription"
	TopicVoiceResponseText = "/voice/response_text"
	TopicSpeechStarted     = "/voice/speech_started"
	TopicSpeechEnded       = "/voice/speech_ended"
	TopicVoiceError        = "/voice/error"

	TopicMusicCommand          = "/music/command"
	TopicMusicLibraryUpdated   = "/music/library_updated"
	TopicMusicPlaybackStarted  = "/music/playback_started"
	TopicMusicPlaybackPaused   = "/music/playback_paused"
	TopicMusicPlaybackResumed  = "/music/playback_resumed"
	TopicMusicPlaybackStopped  = "/music/playback_stopped"
	TopicMusicProgress         = "/music/progress"
	TopicMusicQueueUpdated     = "/music/queue_updated"
	TopicMusicCrossfadeStarted = "/music/crossfade_started"
	TopicMusicDuck             = "/music/duck"
	TopicMusicUnduck           = "/music/unduck"

	TopicDJCommand          = "/dj/command"
	TopicDJQueueUpdate       = "/dj/queue_update"
	TopicDJCommentaryRequest = "/dj/commentary_request"
	TopicDJCommentaryReady   = "/dj/commentary_ready"
	TopicDJCommentaryFailed  = "/dj/commentary_failed"
	TopicDJTransition        = "/dj/transition"

	TopicLEDsCommand = "/leds/command"

	TopicLogEntry = "/log/entry"
)

// StatusTopic returns the per-service status topic name.
func StatusTopic(service string) string {
	return TopicStatusPrefix + service
}

// AllTopics lists every contract-bearing topic above, excluding the
// per-service status namespace (use StatusTopic for those). Test harnesses
// that need to observe the whole bus subscribe to this set rather than
// guessing at what might be published.
var AllTopics = []string{
	TopicModeChange,
	TopicModeTransition,
	TopicSetModeRequest,
	TopicShutdownRequest,
	TopicSystemError,
	TopicServiceStatusReq,

	TopicMicStartRequest,
	TopicMicStopRequest,
	TopicListeningStarted,
	TopicListeningStopped,
	TopicTranscription,
	TopicVoiceResponseText,
	TopicSpeechStarted,
	TopicSpeechEnded,
	TopicVoiceError,

	TopicMusicCommand,
	TopicMusicLibraryUpdated,
	TopicMusicPlaybackStarted,
	TopicMusicPlaybackPaused,
	TopicMusicPlaybackResumed,
	TopicMusicPlaybackStopped,
	TopicMusicProgress,
	TopicMusicQueueUpdated,
	TopicMusicCrossfadeStarted,
	TopicMusicDuck,
	TopicMusicUnduck,

	TopicDJCommand,
	TopicDJQueueUpdate,
	TopicDJCommentaryRequest,
	TopicDJCommentaryReady,
	TopicDJCommentaryFailed,
	TopicDJTransition,

	TopicLEDsCommand,

	TopicLogEntry,
}
