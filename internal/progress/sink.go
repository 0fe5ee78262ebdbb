package progress

import "context"

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines and tolerate being called concurrently with Close.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies this interface so the
// orchestrator can stay agnostic about buffering and fan-out.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter discards every event. Useful in tests and as a default when no
// progress reporting is configured.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}
