package sshlib

import (
	"bytes"
	"io"
	"sync"

	"github.com/charlesng35/sshkit/transport"
)

const pumpChunkSize = 32 * 1024

// pumpReader turns a blocking stream into a non-blocking one: a goroutine
// drains the stream into a buffer and rings the connection's readiness
// notifier on every arrival, so channel reads can return ErrAgain and let
// the session layer wait on the notifier descriptor instead of blocking
// under the session guard.
type pumpReader struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	err  error
	stop bool
}

func newPumpReader(r io.Reader, notify func()) *pumpReader {
	p := &pumpReader{}
	go func() {
		chunk := make([]byte, pumpChunkSize)
		for {
			n, err := r.Read(chunk)
			p.mu.Lock()
			if p.stop {
				p.mu.Unlock()
				return
			}
			if n > 0 {
				p.buf.Write(chunk[:n])
			}
			if err != nil {
				p.err = err
				p.mu.Unlock()
				notify()
				return
			}
			p.mu.Unlock()
			notify()
		}
	}()
	return p
}

// read returns buffered data, io.EOF once the stream ended cleanly, any
// terminal stream error, or ErrAgain when nothing is available yet.
func (p *pumpReader) read(dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.buf.Len() > 0 {
		n, _ := p.buf.Read(dst)
		return n, nil
	}
	if p.err != nil {
		return 0, p.err
	}
	return 0, transport.ErrAgain
}

// close detaches the pump; the draining goroutine exits on its next read.
func (p *pumpReader) close() {
	p.mu.Lock()
	p.stop = true
	p.mu.Unlock()
}
