package session

// Event is delivered on the session's event stream. The stream replaces
// per-hook callback registration: consumers range over one channel and
// switch on the concrete type.
type Event interface {
	isEvent()
}

// StateChangedEvent reports a lifecycle transition.
type StateChangedEvent struct {
	From State
	To   State
}

// MessageEvent carries a backend response, correlated to the originating
// request when the backend echoed the id.
type MessageEvent struct {
	Text      string
	RequestID string
	Emotion   string
}

// ErrorEvent surfaces a degraded capability. The session keeps running;
// fatal conditions are additionally reflected by a transition to Error.
type ErrorEvent struct {
	Err error
}

// LoadProgressEvent reports avatar asset loading stages.
type LoadProgressEvent struct {
	URL   string
	Stage string // loading|ready|fallback
}

// AudioEvent carries decoded response audio (pcm_s16le) so the caller can
// play it; lip-sync has already consumed the same clip.
type AudioEvent struct {
	PCM []byte
}

func (StateChangedEvent) isEvent() {}
func (MessageEvent) isEvent()      {}
func (ErrorEvent) isEvent()        {}
func (LoadProgressEvent) isEvent() {}
func (AudioEvent) isEvent()        {}
