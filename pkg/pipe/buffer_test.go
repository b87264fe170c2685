package pipe

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestBuffer_WriteAndRead(t *testing.T) {
	buf, err := NewBuffer(10)
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}

	input := "hello"
	n, err := buf.W.Write([]byte(input))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != len(input) {
		t.Errorf("Write bytes = %d, want %d", n, len(input))
	}
	buf.Wait()

	if got := string(buf.Bytes()); got != input {
		t.Errorf("Buffer content = %q, want %q", got, input)
	}
	if buf.Truncated() {
		t.Error("Truncated() = true, want false")
	}
}

func TestBuffer_MaxBytes(t *testing.T) {
	const max = 5
	buf, err := NewBuffer(max)
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}

	input := "toolonginput"
	if _, err := io.Copy(buf.W, strings.NewReader(input)); err != nil {
		t.Fatalf("Copy error: %v", err)
	}
	buf.Wait()

	if got := string(buf.Bytes()); got != input[:max] {
		t.Errorf("Buffer content = %q, want %q", got, input[:max])
	}
	if !buf.Truncated() {
		t.Error("Truncated() = false, want true")
	}
}

func TestBuffer_ExactlyMax(t *testing.T) {
	buf, err := NewBuffer(4)
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}
	buf.W.Write([]byte("four"))
	buf.Wait()

	if buf.Truncated() {
		t.Error("Truncated() = true, want false")
	}
}

func TestBuffer_String(t *testing.T) {
	buf, err := NewBuffer(8)
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}
	buf.W.Write([]byte("abc"))
	buf.Wait()

	if want := "Buffer[3/8]"; buf.String() != want {
		t.Errorf("String() = %q, want %q", buf.String(), want)
	}
}

func TestBuffer_WaitReturns(t *testing.T) {
	buf, err := NewBuffer(4)
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		buf.W.Write([]byte("test"))
		buf.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Wait")
	}
}
