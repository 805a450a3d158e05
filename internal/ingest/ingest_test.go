package ingest

import (
	"sync"
	"testing"
)

func TestCounterRecordRead(t *testing.T) {
	t.Parallel()

	c := NewCounter("10.0.0.5:9000")
	c.RecordRead(1316)
	c.RecordRead(100)

	s := c.Stats()
	if s.BytesReceived != 1416 {
		t.Errorf("BytesReceived = %d, want 1416", s.BytesReceived)
	}
	if s.ReadCount != 2 {
		t.Errorf("ReadCount = %d, want 2", s.ReadCount)
	}
	if s.RemoteAddr != "10.0.0.5:9000" {
		t.Errorf("RemoteAddr = %q", s.RemoteAddr)
	}
	if s.ConnectedAt == 0 || s.UptimeMs < 0 {
		t.Errorf("timestamps not set: %+v", s)
	}

	c.SetRemoteAddr("10.0.0.6:9000")
	if got := c.Stats().RemoteAddr; got != "10.0.0.6:9000" {
		t.Errorf("RemoteAddr after update = %q", got)
	}
}

func TestCounterConcurrent(t *testing.T) {
	t.Parallel()

	c := NewCounter("")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.RecordRead(2)
			}
		}()
	}
	wg.Wait()

	s := c.Stats()
	if s.ReadCount != 8000 || s.BytesReceived != 16000 {
		t.Fatalf("stats = %+v", s)
	}
}
