package buffer

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// WriterSink streams frames to an io.Writer through a write buffer.
type WriterSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	frames int64
	bytes  int64
	err    error
}

// NewWriterSink wraps w. Call Flush before closing the underlying writer.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: bufio.NewWriterSize(w, 256*1024)}
}

// WriteFrame appends f.Data. After the first failure every call returns the
// same error.
func (s *WriterSink) WriteFrame(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	n, err := s.w.Write(f.Data)
	s.bytes += int64(n)
	if err != nil {
		s.err = fmt.Errorf("write frame: %w", err)
		return s.err
	}
	s.frames++
	return nil
}

// Flush writes any buffered data to the underlying writer.
func (s *WriterSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if err := s.w.Flush(); err != nil {
		s.err = fmt.Errorf("flush: %w", err)
	}
	return s.err
}

// Stats returns frames and bytes accepted so far.
func (s *WriterSink) Stats() (frames, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.bytes
}
