package runner

import (
	"sync"
)

const elisionMarker = "\n...[output truncated]...\n"

// captureBuffer retains the head and tail of a stream within a fixed
// budget. The middle is elided with a marker so both the opening context
// and the trailing errors survive.
type captureBuffer struct {
	mu      sync.Mutex
	headMax int
	tailMax int
	head    []byte
	tail    []byte // ring once full
	tailPos int
	wrapped bool
	total   int64
}

// newCaptureBuffer creates a buffer keeping headMax+tailMax bytes.
func newCaptureBuffer(headMax, tailMax int) *captureBuffer {
	return &captureBuffer{headMax: headMax, tailMax: tailMax}
}

// Write implements io.Writer. Never returns an error.
func (b *captureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += int64(len(p))

	rest := p
	if len(b.head) < b.headMax {
		n := b.headMax - len(b.head)
		if n > len(rest) {
			n = len(rest)
		}
		b.head = append(b.head, rest[:n]...)
		rest = rest[n:]
	}
	for _, c := range rest {
		if len(b.tail) < b.tailMax {
			b.tail = append(b.tail, c)
			continue
		}
		b.tail[b.tailPos] = c
		b.tailPos = (b.tailPos + 1) % b.tailMax
		b.wrapped = true
	}
	return len(p), nil
}

// Truncated reports whether any bytes were elided.
func (b *captureBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total > int64(len(b.head)+len(b.tail))
}

// String renders head, elision marker when applicable, and tail in order.
func (b *captureBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, len(b.head)+len(elisionMarker)+len(b.tail))
	out = append(out, b.head...)
	if b.total > int64(len(b.head)+len(b.tail)) {
		out = append(out, elisionMarker...)
	}
	if b.wrapped {
		out = append(out, b.tail[b.tailPos:]...)
		out = append(out, b.tail[:b.tailPos]...)
	} else {
		out = append(out, b.tail...)
	}
	return string(out)
}
