package userns

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// readyByte is the sentinel the helper writes once its namespace exists
const readyByte = 'R'

// Handshake errors
var (
	ErrHelperExited = errors.New("userns: helper exited before signaling ready")
	ErrBadSentinel  = errors.New("userns: unexpected sentinel byte")
)

// SignalReady tells the parent the namespace exists. It writes exactly one
// byte.
func SignalReady(w io.Writer) error {
	if _, err := w.Write([]byte{readyByte}); err != nil {
		return fmt.Errorf("userns: signal ready: %w", err)
	}
	return nil
}

// AwaitReady blocks until exactly one byte was read from the helper. The
// namespace is only guaranteed to exist after it returned nil.
func AwaitReady(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrHelperExited
		}
		return fmt.Errorf("userns: await ready: %w", err)
	}
	if b[0] != readyByte {
		return fmt.Errorf("%w: %q", ErrBadSentinel, b[0])
	}
	return nil
}

// AwaitProceed blocks until the parent writes a line or closes the stream
func AwaitProceed(r io.Reader) error {
	_, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("userns: await proceed: %w", err)
	}
	return nil
}
