package supervisor

import (
	"bytes"
	"strings"
	"sync"
)

// maxLine caps a buffered partial line so a child that never writes a newline
// cannot grow it without bound.
const maxLine = 64 * 1024

// lineWriter splits a byte stream into lines and hands each one to fn.
type lineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  func(string)
}

func newLineWriter(fn func(string)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(l.buf.Next(i + 1))
		l.fn(strings.TrimRight(line, "\r\n"))
	}
	if l.buf.Len() > maxLine {
		l.fn(l.buf.String())
		l.buf.Reset()
	}
	return len(p), nil
}

// Close flushes a trailing partial line.
func (l *lineWriter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.fn(strings.TrimRight(l.buf.String(), "\r"))
		l.buf.Reset()
	}
	return nil
}
