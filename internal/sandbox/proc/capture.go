package proc

import (
	"bytes"
	"sync"
)

// CappedBuffer keeps the first Limit bytes written to it and silently drops
// the rest, remembering that it did. Writes never fail so a chatty child is
// not blocked on a full pipe. Limit <= 0 means unbounded.
type CappedBuffer struct {
	Limit int64

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

// Write implements io.Writer.
func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.Limit - int64(b.buf.Len())
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

// String returns the captured bytes.
func (b *CappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Truncated reports whether anything was dropped.
func (b *CappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
