package core

import (
	"errors"
	"io"
	"sync"

	"pkt.systems/pslog"
)

const shellReadBufferBytes = 32 * 1024

// errTapReplaced ends a tap whose reader was superseded by a newer attachment.
var errTapReplaced = errors.New("stream attachment replaced")

// shellStream owns the reads from one shell channel. Output is handed to
// the current tap; while no tap is attached the pump blocks, which
// propagates backpressure to the remote side. Bytes a tap did not accept
// before it closed are kept for the next tap.
type shellStream struct {
	log   pslog.Logger
	onEnd func(error)

	mu      sync.Mutex
	tap     *io.PipeWriter
	changed chan struct{}
	closed  bool
	endErr  error

	wg sync.WaitGroup
}

func newShellStream(stdout, stderr io.Reader, logger pslog.Logger, onEnd func(error)) *shellStream {
	s := &shellStream{
		log:     logger,
		onEnd:   onEnd,
		changed: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.pump(stdout, true)
	if stderr != nil {
		s.wg.Add(1)
		go s.pump(stderr, false)
	}
	return s
}

func (s *shellStream) pump(r io.Reader, primary bool) {
	defer s.wg.Done()
	buf := make([]byte, shellReadBufferBytes)
	for {
		n, err := r.Read(buf)
		if n > 0 && !s.deliver(buf[:n]) {
			return
		}
		if err == nil {
			continue
		}
		if !primary {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("shell stderr read ended", "err", err)
			}
			return
		}
		if s.finish(err) && s.onEnd != nil {
			s.onEnd(err)
		}
		return
	}
}

// deliver blocks until p is written to taps or the stream closes. It
// reports false once the stream is closed.
func (s *shellStream) deliver(p []byte) bool {
	for len(p) > 0 {
		tap, wait, ok := s.current()
		if !ok {
			return false
		}
		if tap == nil {
			<-wait
			continue
		}
		n, err := tap.Write(p)
		p = p[n:]
		if err != nil {
			s.drop(tap)
		}
	}
	return true
}

func (s *shellStream) current() (*io.PipeWriter, <-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, false
	}
	if s.tap != nil {
		return s.tap, nil, true
	}
	return nil, s.changed, true
}

func (s *shellStream) drop(tap *io.PipeWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tap == tap {
		s.tap = nil
	}
}

// broadcastLocked wakes every goroutine waiting for a tap change.
func (s *shellStream) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// finish marks the stream ended after the remote side closed. It reports
// whether this call performed the transition.
func (s *shellStream) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.endErr = err
	if s.tap != nil {
		_ = s.tap.Close()
		s.tap = nil
	}
	s.broadcastLocked()
	return true
}

// Attach returns a reader that receives shell output from now on. A previous
// attachment is ended. Once the stream is closed the reader reports EOF.
func (s *shellStream) Attach() io.ReadCloser {
	pr, pw := io.Pipe()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = pw.Close()
		return pr
	}
	if s.tap != nil {
		_ = s.tap.CloseWithError(errTapReplaced)
	}
	s.tap = pw
	s.broadcastLocked()
	return &tapReader{PipeReader: pr, writer: pw, stream: s}
}

// Close ends the stream and waits for the pumps to exit. The underlying
// readers must already be closed or at EOF.
func (s *shellStream) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		if s.tap != nil {
			_ = s.tap.Close()
			s.tap = nil
		}
		s.broadcastLocked()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

type tapReader struct {
	*io.PipeReader
	writer *io.PipeWriter
	stream *shellStream
}

func (t *tapReader) Close() error {
	err := t.PipeReader.Close()
	t.stream.drop(t.writer)
	return err
}
