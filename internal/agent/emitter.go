package agent

// Emitter is the one-way streaming sink consumed by presentation. Delivery is
// best effort: a dropped delta is a display defect, never a data-integrity
// one, so implementations must not block the execution loop.
type Emitter interface {
	Emit(agentID, textDelta string)
}

// NopEmitter discards all deltas.
type NopEmitter struct{}

func (NopEmitter) Emit(string, string) {}

// EmitterFunc adapts a function into an Emitter.
type EmitterFunc func(agentID, textDelta string)

func (f EmitterFunc) Emit(agentID, textDelta string) {
	f(agentID, textDelta)
}

// Delta is one emitted text fragment tagged with its agent.
type Delta struct {
	AgentID string
	Text    string
}

// ChannelEmitter forwards deltas into a buffered channel, dropping fragments
// when the consumer falls behind.
type ChannelEmitter struct {
	ch chan Delta
}

// NewChannelEmitter creates an emitter with the given buffer size.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelEmitter{ch: make(chan Delta, buffer)}
}

// Deltas returns the consumer side of the emitter.
func (e *ChannelEmitter) Deltas() <-chan Delta {
	return e.ch
}

func (e *ChannelEmitter) Emit(agentID, textDelta string) {
	select {
	case e.ch <- Delta{AgentID: agentID, Text: textDelta}:
	default:
	}
}
