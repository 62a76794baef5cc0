package transfertypes

// ProgressEventKind discriminates the events a streaming listener emits.
type ProgressEventKind int

// Event kinds, in lifecycle order.
const (
	EventInitiated ProgressEventKind = iota
	EventBytesTransferred
	EventComplete
	EventFailed
)

// ProgressEvent is one listener callback captured as a value.
type ProgressEvent struct {
	Kind     ProgressEventKind
	Progress ObjectProgress
	Err      error
}

// ChannelListener adapts the synchronous listener contract to a buffered
// channel. Hooks are invoked from worker goroutines and must not block, so
// an event that does not fit in the buffer is dropped rather than stalling
// the transfer; size the buffer for the expected event rate. Consume Events
// from your own goroutine and call Close when the operation's handle has
// finished.
type ChannelListener struct {
	events chan ProgressEvent
}

// NewChannelListener creates a listener with the given buffer size.
func NewChannelListener(buffer int) *ChannelListener {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelListener{events: make(chan ProgressEvent, buffer)}
}

// Events returns the stream of captured events.
func (l *ChannelListener) Events() <-chan ProgressEvent {
	return l.events
}

// Close closes the event stream. Call only after the transfer's terminal
// hook has fired (the handle's Wait returned).
func (l *ChannelListener) Close() {
	close(l.events)
}

// Initiated implements ObjectListener.
func (l *ChannelListener) Initiated(p ObjectProgress) {
	l.push(ProgressEvent{Kind: EventInitiated, Progress: p})
}

// BytesTransferred implements ObjectListener.
func (l *ChannelListener) BytesTransferred(p ObjectProgress) {
	l.push(ProgressEvent{Kind: EventBytesTransferred, Progress: p})
}

// Complete implements ObjectListener.
func (l *ChannelListener) Complete(p ObjectProgress) {
	l.push(ProgressEvent{Kind: EventComplete, Progress: p})
}

// Failed implements ObjectListener.
func (l *ChannelListener) Failed(p ObjectProgress, err error) {
	l.push(ProgressEvent{Kind: EventFailed, Progress: p, Err: err})
}

func (l *ChannelListener) push(e ProgressEvent) {
	select {
	case l.events <- e:
	default:
	}
}

var _ ObjectListener = (*ChannelListener)(nil)
