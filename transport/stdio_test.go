package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a concurrency-safe io.Writer wrapping a bytes.Buffer, since
// Stdio.Send writes from its own goroutine while these tests read the buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStdioSendWritesNewlineDelimitedFrame(t *testing.T) {
	out := &syncBuffer{}
	pr, pw := io.Pipe()
	defer pw.Close()
	tr := NewStdio(pr, out)
	defer tr.Close()

	if err := tr.Send(context.Background(), []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := tr.Send(context.Background(), []byte(`{"a":2}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader([]byte(out.String())))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 || lines[0] != `{"a":1}` || lines[1] != `{"a":2}` {
		t.Fatalf("unexpected frames: %v", lines)
	}
}

func TestStdioReadLoopDispatchesMessages(t *testing.T) {
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	tr := NewStdio(pr, out)
	defer tr.Close()

	received := make(chan string, 2)
	tr.SetOnMessage(func(data []byte) { received <- string(data) })

	go func() {
		io.WriteString(pw, "{\"first\":true}\n")
		io.WriteString(pw, "{\"second\":true}\n")
	}()

	for i, want := range []string{`{"first":true}`, `{"second":true}`} {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("message %d = %q, want %q", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestStdioReadLoopSkipsBlankLines(t *testing.T) {
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	tr := NewStdio(pr, out)
	defer tr.Close()

	received := make(chan string, 1)
	tr.SetOnMessage(func(data []byte) { received <- string(data) })

	go func() {
		io.WriteString(pw, "\n\n{\"ok\":true}\n")
	}()

	select {
	case got := <-received:
		if got != `{"ok":true}` {
			t.Errorf("got %q, want {\"ok\":true}", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestStdioCloseIsIdempotentAndRejectsSend(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	tr := NewStdio(pr, out)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if err := tr.Send(context.Background(), []byte("x")); err != ErrClosed {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestStdioOnCloseCalledWhenReaderEOFs(t *testing.T) {
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	tr := NewStdio(pr, out)
	defer tr.Close()

	closed := make(chan error, 1)
	tr.SetOnClose(func(err error) { closed <- err })

	pw.Close()

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("expected nil exit error on clean EOF, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onClose")
	}
}

func TestStdioSendRespectsContextCancellation(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	tr := NewStdio(pr, blockingWriter{})
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.Send(ctx, []byte("x"))
	if err != context.Canceled {
		t.Errorf("Send with canceled ctx = %v, want context.Canceled", err)
	}
}

// blockingWriter never returns from Write, used to exercise Send's ctx race.
type blockingWriter struct{}

func (blockingWriter) Write(p []byte) (int, error) {
	select {}
}
