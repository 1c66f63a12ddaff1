package log

import (
	"io"
	"os"

	"go.uber.org/multierr"
)

// MultiWriter fans every log line out to all appenders. A failing appender
// does not stop the others from receiving the line.
type MultiWriter struct {
	writers []io.Writer
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{writers: make([]io.Writer, 0, 2)}
}

func (m *MultiWriter) Add(writer io.Writer) *MultiWriter {
	m.writers = append(m.writers, writer)
	return m
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range m.writers {
		if _, e := w.Write(p); e != nil && err == nil {
			err = e
		}
	}
	return len(p), err
}

// Close closes the file appenders. Console streams are left open.
func (m *MultiWriter) Close() error {
	var err error
	for _, w := range m.writers {
		if w == os.Stdout || w == os.Stderr {
			continue
		}
		if c, ok := w.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}

// Close releases the appenders of the process logger.
func Close() error {
	mu.RLock()
	defer mu.RUnlock()
	if c, ok := root.Out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
