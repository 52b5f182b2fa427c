// Package bufpool provides a small sync.Pool of byte buffers shared by
// the frame codec's encode path, reset and returned after every frame.
package bufpool

import (
	"bytes"
	"sync"
)

var pool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Get returns a reset, ready-to-use buffer.
func Get() *bytes.Buffer {
	return pool.Get().(*bytes.Buffer)
}

// Put resets b and returns it to the pool.
func Put(b *bytes.Buffer) {
	b.Reset()
	pool.Put(b)
}
