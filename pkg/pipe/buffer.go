// Package pipe collects what a child process writes to a pipe, keeping at
// most a fixed number of bytes
package pipe

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Buffer is the read side of a pipe whose write end W is handed to a child.
// The first Max bytes are kept, the rest is drained so the writer never
// blocks or gets SIGPIPE.
type Buffer struct {
	W   *os.File
	Max int64

	buf       bytes.Buffer
	truncated bool
	done      chan struct{}
}

// NewBuffer creates the pipe and starts collecting. The caller closes W
// once the child got its copy, Wait returns after every writer closed.
func NewBuffer(max int64) (*Buffer, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	b := &Buffer{W: w, Max: max, done: make(chan struct{})}
	go func() {
		defer close(b.done)
		defer r.Close()
		io.CopyN(&b.buf, r, max)
		if n, _ := io.Copy(io.Discard, r); n > 0 {
			b.truncated = true
		}
	}()
	return b, nil
}

// Wait closes W and waits for the other writers to finish
func (b *Buffer) Wait() {
	b.W.Close()
	<-b.done
}

// Bytes returns the collected output, valid after Wait
func (b *Buffer) Bytes() []byte {
	return b.buf.Bytes()
}

// Truncated reports whether output beyond Max was dropped, valid after Wait
func (b *Buffer) Truncated() bool {
	return b.truncated
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer[%d/%d]", b.buf.Len(), b.Max)
}
