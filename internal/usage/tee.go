package usage

import (
	"io"
	"sync"

	"github.com/nexarelay/claude-relay/internal/logging"
)

// teeBufferFrames bounds the analytics side-channel so a slow usage
// parser can never apply backpressure to the client stream: if the
// analytics branch stalls, frames are dropped there, never on the
// client side.
const teeBufferFrames = 64

// TeeReader copies everything read from r to the client unmodified,
// while best-effort forwarding the same bytes to an Accumulator over a
// bounded channel. When the channel is full, the newest analytics frame
// is dropped; the client-facing Read is never slowed down.
type TeeReader struct {
	src    io.Reader
	frames chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewTeeReader wraps src and starts a background goroutine that feeds
// acc with copies of every chunk read. The goroutine finishes (and a
// buffered JSON body is handed to acc) only when the caller calls Close;
// reaching the end of src does not stop it.
func NewTeeReader(src io.Reader, acc *Accumulator, isSSE bool) *TeeReader {
	t := &TeeReader{
		src:    src,
		frames: make(chan []byte, teeBufferFrames),
		done:   make(chan struct{}),
	}
	go t.drain(acc, isSSE)
	return t
}

func (t *TeeReader) drain(acc *Accumulator, isSSE bool) {
	defer close(t.done)
	var jsonBuf []byte
	for frame := range t.frames {
		if isSSE {
			acc.FeedSSEBytes(frame)
		} else {
			jsonBuf = append(jsonBuf, frame...)
		}
	}
	if !isSSE && len(jsonBuf) > 0 {
		acc.FeedJSON(jsonBuf)
	}
}

// Read implements io.Reader. It is a pass-through for the client path;
// the analytics copy is attempted non-blockingly. The mutex only guards
// the non-blocking send against a concurrent Close — a read that
// completes after Close (e.g. the post-disconnect drain) must not touch
// the already-closed channel.
func (t *TeeReader) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		cp := make([]byte, n)
		copy(cp, p[:n])
		t.mu.Lock()
		if !t.closed {
			select {
			case t.frames <- cp:
			default:
				logging.Debug("[Usage] tee buffer full, dropping analytics frame")
			}
		}
		t.mu.Unlock()
	}
	return n, err
}

// Close signals the analytics goroutine to finish and waits for it,
// bounding how long shutdown can take by the channel already being
// closed from the producer side. Safe to call while a Read is still in
// flight; the late frame is dropped.
func (t *TeeReader) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.frames)
	}
	t.mu.Unlock()
	<-t.done
}
