package pipe

import (
	"context"
	"testing"
	"time"
)

func TestWriteThenReadSynchronous(t *testing.T) {
	p := New(1024)
	n, err := p.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	buf := make([]byte, 16)
	ctx := context.Background()
	read, err := p.Read(ctx, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:read]) != "hello" {
		t.Fatalf("got %q", buf[:read])
	}
}

func TestReadBlocksUntilWrite(t *testing.T) {
	p := New(1024)
	ctx := context.Background()
	buf := make([]byte, 16)

	done := make(chan struct{})
	var n int
	var rerr error
	go func() {
		n, rerr = p.Read(ctx, buf)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := p.Write([]byte("world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-done
	if rerr != nil {
		t.Fatalf("read: %v", rerr)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestCloseWriteSignalsEOF(t *testing.T) {
	p := New(1024)
	p.CloseWrite()
	n, err := p.Read(context.Background(), make([]byte, 4))
	if err != nil || n != 0 {
		t.Fatalf("expected clean EOF, got n=%d err=%v", n, err)
	}
}

func TestCloseReadSignalsEPIPE(t *testing.T) {
	p := New(1024)
	_, err := p.Write([]byte("x"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	p.CloseRead()
	_, err = p.Write([]byte("y"))
	if err != ErrPipeClosed {
		t.Fatalf("expected ErrPipeClosed, got %v", err)
	}
}

func TestFullPipeShortWrite(t *testing.T) {
	p := New(4)
	n, err := p.Write([]byte("abcdefgh"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected short write of 4 bytes, got %d", n)
	}
}

func TestWriteAllSuspendsForRemainder(t *testing.T) {
	p := New(4)
	ctx := context.Background()

	done := make(chan struct{})
	var total int
	var werr error
	go func() {
		total, werr = p.WriteAll(ctx, []byte("abcdefgh"))
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	buf := make([]byte, 4)
	n1, err := p.Read(ctx, buf)
	if err != nil || n1 != 4 {
		t.Fatalf("first read: n=%d err=%v", n1, err)
	}

	n2, err := p.Read(ctx, buf)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	_ = n2

	<-done
	if werr != nil {
		t.Fatalf("writeAll: %v", werr)
	}
	if total != 8 {
		t.Fatalf("expected all 8 bytes written, got %d", total)
	}
}

func TestReadRespectsContextCancellation(t *testing.T) {
	p := New(1024)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Read(ctx, make([]byte, 4))
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
