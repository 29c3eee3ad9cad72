package ogg

// NewStreamEvent announces a logical stream seen for the first time. The
// listener may set IgnoreStream to have the stream's packets released as soon
// as they are parsed.
//
// The event is delivered while the shared reader lock is held, so a listener
// must not read packets synchronously; it should hand the provider to another
// goroutine.
type NewStreamEvent struct {
	provider *PacketProvider

	// IgnoreStream discards every packet of the stream when set.
	IgnoreStream bool
}

// PacketProvider returns the provider for the new stream.
func (e *NewStreamEvent) PacketProvider() *PacketProvider { return e.provider }
