package framebuf

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/mirrorpipe/internal/media"
)

func frame(seq uint64) *media.RawFrame {
	return &media.RawFrame{Seq: seq, Geometry: media.NewGeometry(1, 1), Data: []byte{byte(seq), 0, 0}}
}

func TestNewDefaultCapacity(t *testing.T) {
	t.Parallel()

	if got := New(0).Cap(); got != media.DefaultBufferCapacity {
		t.Errorf("Cap() = %d, want %d", got, media.DefaultBufferCapacity)
	}
	if got := New(2).Cap(); got != 2 {
		t.Errorf("Cap() = %d, want 2", got)
	}
}

func TestPushPopOrder(t *testing.T) {
	t.Parallel()

	b := New(3)
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		if err := b.Push(ctx, frame(i)); err != nil {
			t.Fatal(err)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		f, err := b.Pop(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if f.Seq != i {
			t.Fatalf("popped seq %d, want %d", f.Seq, i)
		}
	}
}

func TestPushBlocksWhenFull(t *testing.T) {
	t.Parallel()

	b := New(2)
	ctx := context.Background()
	b.Push(ctx, frame(1))
	b.Push(ctx, frame(2))

	pushed := make(chan struct{})
	go func() {
		b.Push(ctx, frame(3))
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push into a full buffer did not block")
	case <-time.After(50 * time.Millisecond):
	}
	if b.Len() > b.Cap() {
		t.Fatalf("Len() = %d exceeds Cap() = %d", b.Len(), b.Cap())
	}

	if f, _ := b.Pop(time.Second); f.Seq != 1 {
		t.Fatalf("popped seq %d, want 1", f.Seq)
	}

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("producer not released after consumer drained a slot")
	}
	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2", b.Len())
	}
}

func TestPushCancelled(t *testing.T) {
	t.Parallel()

	b := New(1)
	b.Push(context.Background(), frame(1))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Push(ctx, frame(2)) }()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled push did not return")
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
}

func TestPopTimeout(t *testing.T) {
	t.Parallel()

	b := New(1)
	start := time.Now()
	_, err := b.Pop(30 * time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("got %v, want ErrTimedOut", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("Pop returned before the timeout")
	}

	if _, err := b.Pop(0); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("zero timeout: got %v, want ErrTimedOut", err)
	}
}

func TestFlushThenPopTimesOut(t *testing.T) {
	t.Parallel()

	b := New(5)
	ctx := context.Background()
	for i := uint64(1); i <= 4; i++ {
		b.Push(ctx, frame(i))
	}

	if n := b.Flush(); n != 4 {
		t.Fatalf("Flush() = %d, want 4", n)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() after flush = %d", b.Len())
	}
	if _, err := b.Pop(20 * time.Millisecond); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("pop after flush: got %v, want ErrTimedOut", err)
	}
	if n := b.Flush(); n != 0 {
		t.Errorf("second Flush() = %d, want 0", n)
	}
}

func TestPopContext(t *testing.T) {
	t.Parallel()

	b := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.PopContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}

	b.Push(context.Background(), frame(7))
	f, err := b.PopContext(context.Background())
	if err != nil || f.Seq != 7 {
		t.Fatalf("got %v, %v", f, err)
	}
}

func TestProducerConsumer(t *testing.T) {
	t.Parallel()

	const n = 200
	b := New(2)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= n; i++ {
			if err := b.Push(ctx, frame(i)); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := uint64(1); i <= n; i++ {
		f, err := b.Pop(time.Second)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if f.Seq != i {
			t.Fatalf("popped seq %d, want %d", f.Seq, i)
		}
	}
	wg.Wait()
}
