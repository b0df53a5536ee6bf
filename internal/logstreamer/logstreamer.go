// Package logstreamer buffers a task's raw output and forwards it to a
// *log.Logger one complete line at a time, so a prefix tag (the task's
// key, colorized) lands at the start of every line even when a command
// writes in partial chunks.
//
// Adapted from https://github.com/kvz/logstreamer (Kevin van Zonneveld,
// MIT licensed).
package logstreamer

import (
	"bytes"
	"io"
	"log"
	"strings"
)

// Logstreamer is an io.WriteCloser that line-buffers writes and prints
// each complete line to Logger with prefix prepended.
type Logstreamer struct {
	Logger *log.Logger
	buf    *bytes.Buffer
	prefix string
}

// NewLogstreamer returns a Logstreamer that prints complete lines to
// logger, each prefixed with prefix.
func NewLogstreamer(logger *log.Logger, prefix string) *Logstreamer {
	return &Logstreamer{
		Logger: logger,
		buf:    bytes.NewBuffer(nil),
		prefix: prefix,
	}
}

func (l *Logstreamer) Write(p []byte) (n int, err error) {
	if n, err = l.buf.Write(p); err != nil {
		return
	}
	err = l.outputLines()
	return
}

// Close flushes any buffered partial line before the underlying command
// exits, so output that never ended in a newline is not lost.
func (l *Logstreamer) Close() error {
	return l.Flush()
}

// Flush prints whatever remains in the buffer, complete line or not.
func (l *Logstreamer) Flush() error {
	p := make([]byte, l.buf.Len())
	if _, err := l.buf.Read(p); err != nil {
		return err
	}
	l.out(string(p))
	return nil
}

func (l *Logstreamer) outputLines() error {
	for {
		line, err := l.buf.ReadString('\n')
		if len(line) > 0 {
			if strings.HasSuffix(line, "\n") {
				l.out(line)
			} else {
				// Incomplete line: put it back until Write or Close
				// supplies the rest.
				if _, err := l.buf.WriteString(line); err != nil {
					return err
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (l *Logstreamer) out(str string) {
	if len(str) < 1 {
		return
	}
	l.Logger.Print(l.prefix + str)
}
