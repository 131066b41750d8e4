package event

import (
	"sync"
)

// Sink receives events as the engine produces them.
type Sink interface {
	Emit(ev MarketEvent)
}


// Buffer captures the events of exactly one engine call.
// It is not safe for concurrent use.
type Buffer struct {
	Events []MarketEvent
}

func (b *Buffer) Emit(ev MarketEvent) {
	b.Events = append(b.Events, ev)
}

// Reset empties the buffer, keeping its capacity.
func (b *Buffer) Reset() {
	clear(b.Events)
	b.Events = b.Events[:0]
}

// bufferPool recycles per-command buffers so the matcher does not allocate
// a new slice for every order.
//
// Usage:
//
//	buf := AcquireBuffer()
//	defer ReleaseBuffer(buf)
//	engine.PlaceOrder(input, buf)
var bufferPool = sync.Pool{
	New: func() interface{} {
		return &Buffer{Events: make([]MarketEvent, 0, 8)}
	},
}

// AcquireBuffer gets an empty Buffer from the pool.
func AcquireBuffer() *Buffer {
	return bufferPool.Get().(*Buffer)
}

// ReleaseBuffer returns a Buffer to the pool.
// Events must not be referenced after release.
func ReleaseBuffer(b *Buffer) {
	if b == nil {
		return
	}
	b.Reset()
	bufferPool.Put(b)
}

// Warmup pre-allocates buffers to reduce GC pressure at startup.
func Warmup() {
	const batchSize = 256

	bufs := make([]*Buffer, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		bufs = append(bufs, AcquireBuffer())
	}
	for _, b := range bufs {
		ReleaseBuffer(b)
	}
}
